package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/regpull/internal/digest"
	"github.com/BadgerOps/regpull/internal/registry"
)

// LayoutVersion is written to the VERSION file of the archive.
const LayoutVersion = "1.0"

// ManifestEntry is one element of the archive's manifest.json.
type ManifestEntry struct {
	Config   string
	RepoTags []string
	Layers   []string
}

type legacyLayout struct {
	config     []byte
	configName string
	repoTags   []string
	layers     []registry.Descriptor
	diffIDs    []digest.Digest
	legacyIDs  bool
}

// v1LayerJSON is the per-layer json of the legacy layout.
type v1LayerJSON struct {
	ID      string    `json:"id"`
	Parent  string    `json:"parent,omitempty"`
	Created time.Time `json:"created"`
}

// write populates dir, which already holds the config and one
// <digestHex>/layer.tar per layer.
func (l legacyLayout) write(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, "VERSION"), []byte(LayoutVersion), 0o644); err != nil {
		return fmt.Errorf("failed to write VERSION: %w", err)
	}

	entry := ManifestEntry{
		Config:   l.configName,
		RepoTags: l.repoTags,
		Layers:   make([]string, len(l.layers)),
	}
	for i, layer := range l.layers {
		entry.Layers[i] = layer.Digest.Hex() + "/layer.tar"
	}

	if l.legacyIDs {
		if err := l.writeLayerIDs(dir); err != nil {
			return err
		}
	} else {
		last := l.layers[len(l.layers)-1]
		if err := os.WriteFile(filepath.Join(dir, last.Digest.Hex(), "json"), l.config, 0o644); err != nil {
			return fmt.Errorf("failed to write layer json: %w", err)
		}
	}

	data, err := json.Marshal([]ManifestEntry{entry})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest.json: %w", err)
	}
	return nil
}

// writeLayerIDs writes id/parent json for every layer. The last layer's
// json is the image config with id and parent added.
func (l legacyLayout) writeLayerIDs(dir string) error {
	ids := V1ImageIDs(l.diffIDs)
	for i, layer := range l.layers {
		var parent string
		if i > 0 {
			parent = ids[i-1].Hex()
		}
		var (
			data []byte
			err  error
		)
		if i == len(l.layers)-1 {
			data, err = mergeConfigIDs(l.config, ids[i].Hex(), parent)
		} else {
			data, err = json.Marshal(v1LayerJSON{ID: ids[i].Hex(), Parent: parent, Created: time.Unix(0, 0).UTC()})
		}
		if err != nil {
			return fmt.Errorf("failed to build layer json: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, layer.Digest.Hex(), "json"), data, 0o644); err != nil {
			return fmt.Errorf("failed to write layer json: %w", err)
		}
	}
	return nil
}

func mergeConfigIDs(config []byte, id, parent string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(config, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	idJSON, _ := json.Marshal(id)
	fields["id"] = idJSON
	delete(fields, "parent")
	if parent != "" {
		parentJSON, _ := json.Marshal(parent)
		fields["parent"] = parentJSON
	}
	return json.Marshal(fields)
}
