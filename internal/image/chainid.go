package image

import (
	"encoding/json"
	"time"

	"github.com/BadgerOps/regpull/internal/digest"
)

// ChainIDs folds layer diff IDs into chain IDs: the first chain ID is the
// first diff ID and each following one is sha256("<parent> <diffID>").
func ChainIDs(diffIDs []digest.Digest) []digest.Digest {
	if len(diffIDs) == 0 {
		return nil
	}
	out := make([]digest.Digest, len(diffIDs))
	out[0] = diffIDs[0]
	for i := 1; i < len(diffIDs); i++ {
		out[i] = digest.FromBytes([]byte(out[i-1].String() + " " + diffIDs[i].String()))
	}
	return out
}

// v1IDConfig is hashed to produce legacy image IDs. Field order is fixed
// so the hash is stable.
type v1IDConfig struct {
	Created time.Time `json:"created"`
	LayerID string    `json:"layer_id"`
	Parent  string    `json:"parent,omitempty"`
}

// V1ImageID derives the legacy per-layer image ID from a layer's chain ID
// and the ID of its parent (zero for the base layer).
func V1ImageID(layerID, parent digest.Digest) digest.Digest {
	b, _ := json.Marshal(v1IDConfig{
		Created: time.Unix(0, 0).UTC(),
		LayerID: layerID.String(),
		Parent:  parent.String(),
	})
	return digest.FromBytes(b)
}

// V1ImageIDs computes V1ImageID for every layer, chaining parents.
func V1ImageIDs(diffIDs []digest.Digest) []digest.Digest {
	chain := ChainIDs(diffIDs)
	ids := make([]digest.Digest, len(chain))
	var parent digest.Digest
	for i, c := range chain {
		ids[i] = V1ImageID(c, parent)
		parent = ids[i]
	}
	return ids
}
