package ibstore

import (
	"context"
	_ "crypto/sha256" // registers digest.Canonical
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/ibstore/internal/format"
)

// ManifestName is the file name of the manifest within the data directory.
const ManifestName = ".ibstore.json"

// manifestVersion is the current manifest format version.
const manifestVersion = 1

// Manifest records the layout of a generated store.
type Manifest struct {
	Version      int             `json:"version"`
	Mode         string          `json:"mode"`
	RecordLength int64           `json:"record_length"`
	NumSamples   int64           `json:"num_samples"`
	Workers      int             `json:"workers"`
	Shards       []ManifestShard `json:"shards"`
}

// ManifestShard describes one published shard.
type ManifestShard struct {
	// Path is the shard base path relative to the data directory.
	Path    string      `json:"path"`
	Dataset string      `json:"dataset"`
	Layout  ShardLayout `json:"layout"`

	// Digests is set when generation ran with GenerateWithDigests.
	Digests *ShardDigests `json:"digests,omitempty"`
}

// ShardDigests holds a digest per artifact.
type ShardDigests struct {
	Data    digest.Digest `json:"data"`
	Offsets digest.Digest `json:"offsets"`
	Sizes   digest.Digest `json:"sizes"`
}

// BuildManifest returns the manifest a successful run of plan produces.
//
// In collective mode each shard's sample count is the rounded-up count
// actually written, not the nominal plan.NumSamples.
func BuildManifest(plan GenerationPlan) (*Manifest, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	m := &Manifest{
		Version:      manifestVersion,
		Mode:         plan.Mode().String(),
		RecordLength: plan.RecordLength,
		NumSamples:   plan.NumSamples,
		Workers:      plan.Workers,
	}
	for _, f := range plan.Files() {
		layout, err := plan.Layout(f.Index)
		if err != nil {
			return nil, err
		}
		if plan.Mode() == ModeCollective {
			r, err := CollectiveAssignment(0, plan.Workers, layout.NumSamples)
			if err != nil {
				return nil, err
			}
			layout.NumSamples = r.ShardSamples()
		}
		rel, err := filepath.Rel(plan.DataDir, f.Base)
		if err != nil {
			return nil, err
		}
		m.Shards = append(m.Shards, ManifestShard{
			Path:    filepath.ToSlash(rel),
			Dataset: f.Dataset.String(),
			Layout:  layout,
		})
	}
	return m, nil
}

// ReadManifest loads the manifest of the store in dataDir.
func ReadManifest(dataDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, dataDir)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// WriteManifest writes m to dataDir atomically.
func WriteManifest(dataDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	final := filepath.Join(dataDir, ManifestName)
	tmp := final + format.PartialSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// writeManifest builds, optionally digests, and writes the run's manifest.
func (g *Generator) writeManifest(ctx context.Context) error {
	m, err := BuildManifest(g.plan)
	if err != nil {
		return err
	}
	if g.cfg.digests {
		for i := range m.Shards {
			if err := ctx.Err(); err != nil {
				return err
			}
			base := filepath.Join(g.plan.DataDir, filepath.FromSlash(m.Shards[i].Path))
			d, err := digestShard(base)
			if err != nil {
				return err
			}
			m.Shards[i].Digests = d
		}
	}
	g.log().Info("writing manifest", "shards", len(m.Shards), "digests", g.cfg.digests)
	return WriteManifest(g.plan.DataDir, m)
}

// digestShard computes the sha256 digest of each artifact of base.
func digestShard(base string) (*ShardDigests, error) {
	p := format.Paths(base)
	var d ShardDigests
	var err error
	if d.Data, err = digestFile(p.Data); err != nil {
		return nil, err
	}
	if d.Offsets, err = digestFile(p.Offsets); err != nil {
		return nil, err
	}
	if d.Sizes, err = digestFile(p.Sizes); err != nil {
		return nil, err
	}
	return &d, nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return digester.Digest(), nil
}
