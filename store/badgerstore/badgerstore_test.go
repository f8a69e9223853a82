package badgerstore

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bayesengine/bayes-engine/store"
	"github.com/bayesengine/bayes-engine/store/testkit"
)

func TestConformance(t *testing.T) {
	log := logrus.New()
	log.SetOutput(testWriter{t})

	testkit.RunConformance(t, func(t *testing.T) store.Repository {
		s, err := Open(t.TempDir(), log)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
