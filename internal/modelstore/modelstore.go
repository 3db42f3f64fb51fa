// Package modelstore persists trained model artifacts and their
// training corpus on disk.
//
// The model artifact is a self-describing JSON document carrying a
// schema version, the fit parameters, and the full tree ensemble. The
// corpus snapshot is a CSV of the feature vectors the model was fitted
// on, kept so the training set can be rebuilt or audited later.
package modelstore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/forest"
)

const (
	modelFile  = "model.json"
	corpusFile = "corpus.csv"
)

// FileStore is a directory-backed model store.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SaveModel writes the model artifact atomically: a temp file is
// written in full, then renamed over the previous artifact.
func (s *FileStore) SaveModel(snap *forest.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return s.writeAtomic(modelFile, raw)
}

// LoadModel reads the persisted artifact. A missing file is not an
// error; it returns (nil, nil) and the caller starts unfitted.
func (s *FileStore) LoadModel() (*forest.Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, modelFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	var snap forest.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &snap, nil
}

// SaveCorpus snapshots the training vectors as CSV.
func (s *FileStore) SaveCorpus(vectors []forest.Vector) error {
	tmp, err := os.CreateTemp(s.dir, corpusFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create corpus temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"total_amount", "tax_amount"}); err != nil {
		tmp.Close()
		return fmt.Errorf("write corpus header: %w", err)
	}
	for _, v := range vectors {
		row := []string{
			strconv.FormatFloat(v[0], 'f', -1, 64),
			strconv.FormatFloat(v[1], 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("write corpus row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush corpus: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close corpus temp: %w", err)
	}

	return os.Rename(tmp.Name(), filepath.Join(s.dir, corpusFile))
}

// LoadCorpus reads the persisted training vectors, if any.
func (s *FileStore) LoadCorpus() ([]forest.Vector, error) {
	f, err := os.Open(filepath.Join(s.dir, corpusFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	vectors := make([]forest.Vector, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != 2 {
			return nil, fmt.Errorf("corpus row %d: want 2 columns, got %d", i+1, len(rec))
		}
		total, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("corpus row %d: %w", i+1, err)
		}
		tax, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("corpus row %d: %w", i+1, err)
		}
		vectors = append(vectors, forest.Vector{total, tax})
	}
	return vectors, nil
}

// CorpusSize counts the persisted training vectors without decoding
// floats.
func (s *FileStore) CorpusSize() (int, error) {
	f, err := os.Open(filepath.Join(s.dir, corpusFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read corpus: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return len(records) - 1, nil
}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}
