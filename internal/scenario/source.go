package scenario

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// RecordSource supplies records for a scenario.
type RecordSource interface {
	// Pick returns a record name and its payload.
	Pick() (name string, payload []byte, err error)
}

// DirSource picks a random file from a directory on every call, re-reading
// the file each time.
type DirSource struct {
	dir   string
	files []string
}

// NewDirSource lists the regular files in dir.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read record directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("record directory %s is empty", dir)
	}
	sort.Strings(files)
	return &DirSource{dir: dir, files: files}, nil
}

func (s *DirSource) Pick() (string, []byte, error) {
	name := s.files[rand.IntN(len(s.files))]
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read record %s: %w", name, err)
	}
	return name, data, nil
}

// GeneratedSource produces small JSON bundles. Every InvalidEvery-th record
// is truncated so the pipeline rejects it; zero disables invalid records.
type GeneratedSource struct {
	InvalidEvery int

	mu sync.Mutex
	n  int
}

func (s *GeneratedSource) Pick() (string, []byte, error) {
	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()

	name := "generated-" + strconv.Itoa(n) + ".json"
	payload := []byte(`{"resourceType":"Bundle","type":"batch","id":"` + strconv.Itoa(n) + `","entry":[]}`)
	if s.InvalidEvery > 0 && n%s.InvalidEvery == 0 {
		payload = payload[:len(payload)/2]
	}
	return name, payload, nil
}
