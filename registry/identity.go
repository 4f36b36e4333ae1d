// Package registry resolves the immutable artifact identity for a run and
// provides access to the Amazon ECR registry the artifact is published to.
package registry

import (
	"fmt"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
)

// Identity is the globally unique image reference for one pipeline run.
// It is computed once from the registry endpoint, repository name and source
// revision, and is the sole image reference every downstream stage consumes.
type Identity struct {
	Registry   string
	Repository string
	Revision   string
}

// ResolveIdentity derives the artifact identity. Resolution is deterministic
// and injective in the revision: distinct revisions always yield distinct
// identities. Any empty input is a fatal configuration error.
func ResolveIdentity(registry, repository, revision string) (Identity, error) {
	if registry == "" || repository == "" || revision == "" {
		return Identity{}, pipeerrors.Newf(pipeerrors.CodeConfiguration, "registry.resolve",
			"registry, repository and revision must all be set (registry=%q repository=%q revision=%q)",
			registry, repository, revision)
	}
	return Identity{Registry: registry, Repository: repository, Revision: revision}, nil
}

// String returns the full image reference, <registry>/<repository>:<revision>.
func (i Identity) String() string {
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Revision)
}
