// Package knowledge models the curated security corpus: documents, the
// retrieval chunks derived from them, and the manifest that records what the
// index currently holds.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DocType classifies a corpus document.
type DocType string

const (
	DocAttackTechnique  DocType = "attack_technique"
	DocAttackTactic     DocType = "attack_tactic"
	DocAttackMitigation DocType = "attack_mitigation"
	DocAttackGroup      DocType = "attack_group"
	DocCVE              DocType = "cve"
	DocSigmaRule        DocType = "sigma_rule"
	DocCISAKEV          DocType = "cisa_kev"
)

// Metadata carries domain fields typed at the edges. Values come from JSON
// so numbers arrive as float64.
type Metadata map[string]interface{}

// String reads a string field, empty when absent or mistyped.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Float reads a numeric field, accepting the int forms that show up when
// metadata is built in code rather than decoded from JSON.
func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Strings reads a string-slice field, tolerating []interface{} from JSON.
func (m Metadata) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a shallow copy so chunkers can extend metadata without
// mutating the source document.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// KnowledgeDocument is one unit of the corpus as delivered by a source.
type KnowledgeDocument struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	DocType  DocType  `json:"doc_type"`
	Source   string   `json:"source"`
	URL      string   `json:"url"`
	Metadata Metadata `json:"metadata"`
}

// ContentHash fingerprints the indexed content of a document. The manifest
// compares these hashes to decide whether a document changed.
func (d *KnowledgeDocument) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(d.Title))
	h.Write([]byte{0})
	h.Write([]byte(d.Content))
	h.Write([]byte{0})
	h.Write([]byte(d.DocType))
	return hex.EncodeToString(h.Sum(nil))
}

// DocumentChunk is one retrievable sub-unit of a document. Chunk IDs are
// deterministic per (doc_id, chunk_type) so re-chunking the same document
// yields the same IDs.
type DocumentChunk struct {
	ID        string    `json:"id"`
	DocID     string    `json:"doc_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	ChunkType string    `json:"chunk_type"`
	Metadata  Metadata  `json:"metadata"`
	Embedding []float32 `json:"-"`
}

// chunkID derives the deterministic chunk identifier.
func chunkID(docID, chunkType string) string {
	return fmt.Sprintf("%s::%s", docID, chunkType)
}
