package bootstrap

import (
	"context"
	"os"

	"github.com/go-agentmesh/agentmesh/lib/util"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// maxSeedsFileSize bounds how much of a seeds file is read.
const maxSeedsFileSize = 1 << 20

// SeedEntry is one entry of a seeds file.
type SeedEntry struct {
	Address string `yaml:"address"`
	Note    string `yaml:"note,omitempty"`
}

// SeedsFile is the document layout of a seeds file.
type SeedsFile struct {
	Seeds []SeedEntry `yaml:"seeds"`
}

// FileBootstrap reads seeds from a YAML file.
type FileBootstrap struct {
	filePath string
	schemes  []string
}

func NewFileBootstrap(filePath string, schemes []string) *FileBootstrap {
	return &FileBootstrap{filePath: filePath, schemes: schemes}
}

func (fb *FileBootstrap) GetPeers(ctx context.Context, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrapf(err, "file bootstrap canceled")
	}
	doc, err := fb.load()
	if err != nil {
		return nil, err
	}
	raw := make([]string, 0, len(doc.Seeds))
	for _, e := range doc.Seeds {
		raw = append(raw, e.Address)
	}
	stats := NewValidationStats()
	addrs := filterAddrs(raw, fb.schemes, stats)
	stats.LogSummary("file")
	if len(addrs) == 0 {
		return nil, oops.Wrapf(ErrNoSeeds, "seeds file %s", fb.filePath)
	}
	log.WithFields(logger.Fields{
		"at":        "(FileBootstrap) GetPeers",
		"file_path": fb.filePath,
		"count":     len(addrs),
	}).Info("loaded seeds from file")
	return limitAddrs(addrs, n), nil
}

func (fb *FileBootstrap) load() (*SeedsFile, error) {
	if !util.CheckFileExists(fb.filePath) {
		return nil, oops.Wrapf(os.ErrNotExist, "seeds file %s", fb.filePath)
	}
	info, err := os.Stat(fb.filePath)
	if err != nil {
		return nil, oops.Wrapf(err, "stat seeds file")
	}
	if info.Size() > maxSeedsFileSize {
		return nil, oops.Errorf("seeds file %s is %d bytes, limit %d", fb.filePath, info.Size(), maxSeedsFileSize)
	}
	data, err := os.ReadFile(fb.filePath)
	if err != nil {
		return nil, oops.Wrapf(err, "reading seeds file")
	}
	var doc SeedsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Wrapf(err, "parsing seeds file %s", fb.filePath)
	}
	return &doc, nil
}

// WriteSeedsFile stores entries at path in the seeds file layout.
func WriteSeedsFile(path string, entries []SeedEntry) error {
	data, err := yaml.Marshal(SeedsFile{Seeds: entries})
	if err != nil {
		return oops.Wrapf(err, "encoding seeds file")
	}
	return os.WriteFile(path, data, 0o600)
}
