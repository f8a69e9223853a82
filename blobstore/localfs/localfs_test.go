package localfs

import (
	"testing"

	"github.com/bayesengine/bayes-engine/blobstore"
	"github.com/bayesengine/bayes-engine/blobstore/testkit"
)

func TestConformance(t *testing.T) {
	testkit.RunConformance(t, func(t *testing.T) blobstore.BlobStore {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}
