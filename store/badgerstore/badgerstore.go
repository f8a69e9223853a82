// Package badgerstore is the embedded, durable store.Repository backend.
//
// Badger's transactions are serializable; every write in this package that
// must be a linearization point (ApplySketchUpdate, ClaimJTI) is done inside
// a single badger.Txn and retried on conflict, so badger itself is the
// concurrency primitive rather than an in-process lock.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/bayesengine/bayes-engine/sketch"
	"github.com/bayesengine/bayes-engine/store"
)

const maxConflictRetries = 8

type Store struct {
	db     *badger.DB
	log    *logrus.Entry
	seq    *badger.Sequence
}

// Open opens (creating if necessary) a badger-backed repository rooted at dir.
func Open(dir string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("seq:id"), 100)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: log.WithField("component", "store"), seq: seq}, nil
}

func (s *Store) Close() error {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

func (s *Store) nextID(prefix string) (string, error) {
	n, err := s.seq.Next()
	if err != nil {
		return "", err
	}
	return prefix + "-" + itoa(n), nil
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// runSerializable retries fn on badger.ErrConflict, the expected outcome of
// two transactions racing on the same keys.
func runSerializable(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func projectKey(owner, name string) []byte { return []byte("project:" + owner + "/" + name) }
func projectRecKey(id string) []byte       { return []byte("projectrec:" + id) }
func moduleKey(projectID, version, digest string) []byte {
	return []byte("module:" + projectID + ":" + version + ":" + digest)
}
func moduleRecKey(id string) []byte        { return []byte("modulerec:" + id) }
func moduleLatestKey(projectID string) []byte { return []byte("modulelatest:" + projectID) }
func functionKey(moduleID, name string) []byte { return []byte("function:" + moduleID + ":" + name) }
func functionRecKey(id string) []byte      { return []byte("functionrec:" + id) }
func sketchKey(functionID string) []byte   { return []byte("sketch:" + functionID) }
func jtiKey(jti string) []byte             { return []byte("jti:" + jti) }

func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) UpsertProject(ctx context.Context, owner, name string) (store.Project, error) {
	var out store.Project
	err := runSerializable(s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(projectKey(owner, name))
		if err == nil {
			var id string
			if verr := item.Value(func(val []byte) error { id = string(val); return nil }); verr != nil {
				return verr
			}
			found, verr := getJSON(txn, projectRecKey(id), &out)
			if verr != nil {
				return verr
			}
			if found {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id, err := s.nextID("proj")
		if err != nil {
			return err
		}
		out = store.Project{ID: id, Owner: owner, Name: name}
		if err := txn.Set(projectKey(owner, name), []byte(id)); err != nil {
			return err
		}
		return setJSON(txn, projectRecKey(id), out)
	})
	return out, err
}

func (s *Store) GetProject(ctx context.Context, owner, name string) (store.Project, error) {
	var out store.Project
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(projectKey(owner, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error { id = string(val); return nil }); err != nil {
			return err
		}
		found, err := getJSON(txn, projectRecKey(id), &out)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	var out []store.Project
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("projectrec:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p store.Project
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *Store) InsertModule(ctx context.Context, projectID, version, digest string, sizeBytes int64) (store.Module, error) {
	var out store.Module
	err := runSerializable(s.db, func(txn *badger.Txn) error {
		key := moduleKey(projectID, version, digest)
		item, err := txn.Get(key)
		if err == nil {
			var id string
			if verr := item.Value(func(val []byte) error { id = string(val); return nil }); verr != nil {
				return verr
			}
			found, verr := getJSON(txn, moduleRecKey(id), &out)
			if verr != nil {
				return verr
			}
			if found {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id, err := s.nextID("mod")
		if err != nil {
			return err
		}
		out = store.Module{ID: id, ProjectID: projectID, Version: version, Digest: digest, SizeBytes: sizeBytes, CreatedAt: time.Now().UTC()}
		if err := txn.Set(key, []byte(id)); err != nil {
			return err
		}
		if err := txn.Set(moduleLatestKey(projectID), []byte(id)); err != nil {
			return err
		}
		return setJSON(txn, moduleRecKey(id), out)
	})
	return out, err
}

func (s *Store) GetModule(ctx context.Context, moduleID string) (store.Module, error) {
	var out store.Module
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, moduleRecKey(moduleID), &out)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (s *Store) LatestModule(ctx context.Context, projectID string) (store.Module, error) {
	var out store.Module
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(moduleLatestKey(projectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error { id = string(val); return nil }); err != nil {
			return err
		}
		found, err := getJSON(txn, moduleRecKey(id), &out)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (s *Store) LoadOrCreateFunction(ctx context.Context, moduleID, name string, defaultBits uint8) (store.Function, error) {
	var out store.Function
	err := runSerializable(s.db, func(txn *badger.Txn) error {
		key := functionKey(moduleID, name)
		item, err := txn.Get(key)
		if err == nil {
			var id string
			if verr := item.Value(func(val []byte) error { id = string(val); return nil }); verr != nil {
				return verr
			}
			found, verr := getJSON(txn, functionRecKey(id), &out)
			if verr != nil {
				return verr
			}
			if found {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id, err := s.nextID("fn")
		if err != nil {
			return err
		}
		out = store.Function{ID: id, ModuleID: moduleID, Name: name, Bits: defaultBits}
		if err := txn.Set(key, []byte(id)); err != nil {
			return err
		}
		if err := setJSON(txn, functionRecKey(id), out); err != nil {
			return err
		}
		return txn.Set(sketchKey(id), encodeSketch(sketch.New(defaultBits)))
	})
	return out, err
}

func (s *Store) GetFunction(ctx context.Context, functionID string) (store.Function, error) {
	var out store.Function
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, functionRecKey(functionID), &out)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (s *Store) ListFunctions(ctx context.Context, moduleID string) ([]store.Function, error) {
	var out []store.Function
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("functionrec:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var f store.Function
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				return err
			}
			if f.ModuleID == moduleID {
				out = append(out, f)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) ApplySketchUpdate(ctx context.Context, functionID string, seed, hash uint64) (store.SketchUpdateResult, error) {
	var out store.SketchUpdateResult
	err := runSerializable(s.db, func(txn *badger.Txn) error {
		var rec store.Function
		found, err := getJSON(txn, functionRecKey(functionID), &rec)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}

		item, err := txn.Get(sketchKey(functionID))
		if err != nil {
			return err
		}
		var sk *sketch.Sketch
		if err := item.Value(func(val []byte) error {
			var derr error
			sk, derr = decodeSketch(val)
			return derr
		}); err != nil {
			return err
		}

		improved := sk.Insert(hash)
		if improved {
			rec.SubmittedTotal++
			if !rec.HasBest || hash < rec.BestHash {
				rec.HasBest = true
				rec.BestHash = hash
				rec.BestSeed = seed
			}
			if err := txn.Set(sketchKey(functionID), encodeSketch(sk)); err != nil {
				return err
			}
			if err := setJSON(txn, functionRecKey(functionID), rec); err != nil {
				return err
			}
		}

		r := hash & (uint64(1)<<sk.Bits() - 1)
		out = store.SketchUpdateResult{
			Improved:       improved,
			Estimate:       sk.Estimate(),
			ServerRegister: sk.Register(r),
			SubmittedTotal: rec.SubmittedTotal,
		}
		return nil
	})
	return out, err
}

func (s *Store) SketchState(ctx context.Context, functionID string) (uint8, []uint64, error) {
	var bits uint8
	var regs []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sketchKey(functionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sk, derr := decodeSketch(val)
			if derr != nil {
				return derr
			}
			bits = sk.Bits()
			regs = make([]uint64, sk.Size())
			for i := range regs {
				regs[i] = sk.Register(uint64(i))
			}
			return nil
		})
	})
	return bits, regs, err
}

func (s *Store) ClaimJTI(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := runSerializable(s.db, func(txn *badger.Txn) error {
		_, err := txn.Get(jtiKey(jti))
		if err == nil {
			claimed = false
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		claimed = true
		return txn.SetEntry(badger.NewEntry(jtiKey(jti), []byte{1}).WithTTL(ttl))
	})
	return claimed, err
}

// encodeSketch serializes a sketch as bits(1 byte) followed by 8-byte
// little-endian registers.
func encodeSketch(sk *sketch.Sketch) []byte {
	out := make([]byte, 1+8*sk.Size())
	out[0] = sk.Bits()
	for i := 0; i < sk.Size(); i++ {
		binary.LittleEndian.PutUint64(out[1+8*i:], sk.Register(uint64(i)))
	}
	return out
}

func decodeSketch(b []byte) (*sketch.Sketch, error) {
	if len(b) < 1 {
		return nil, errors.New("badgerstore: truncated sketch record")
	}
	bits := b[0]
	sk := sketch.New(bits)
	want := 1 + 8*sk.Size()
	if len(b) != want {
		return nil, errors.New("badgerstore: sketch record size mismatch")
	}
	values := make([]string, sk.Size())
	for i := 0; i < sk.Size(); i++ {
		v := binary.LittleEndian.Uint64(b[1+8*i:])
		values[i] = itoa(v)
	}
	if err := sk.UnmarshalDense(values); err != nil {
		return nil, err
	}
	return sk, nil
}
