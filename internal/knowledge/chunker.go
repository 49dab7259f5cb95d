package knowledge

import (
	"fmt"
	"strings"
)

// defaultMaxChunkChars bounds generic text chunks.
const defaultMaxChunkChars = 1000

// ChunkDocument derives the retrieval chunks for a document using the
// strategy registered for its doc type. Chunking is pure and deterministic:
// the same document always yields the same chunks in the same order.
func ChunkDocument(doc *KnowledgeDocument) []DocumentChunk {
	switch doc.DocType {
	case DocAttackTechnique:
		return chunkAttackTechnique(doc)
	case DocCVE:
		return chunkCVE(doc)
	case DocSigmaRule:
		return chunkSigmaRule(doc)
	default:
		return chunkGeneric(doc, defaultMaxChunkChars)
	}
}

// ============================================================================
// ATTACK TECHNIQUE → overview + detection
// ============================================================================

func chunkAttackTechnique(doc *KnowledgeDocument) []DocumentChunk {
	meta := Metadata{
		"doc_type":     string(doc.DocType),
		"source":       doc.Source,
		"attack_id":    doc.Metadata.String("attack_id"),
		"tactic":       doc.Metadata.String("tactic"),
		"platforms":    doc.Metadata.Strings("platforms"),
		"data_sources": doc.Metadata.Strings("data_sources"),
	}

	chunks := []DocumentChunk{{
		ID:        chunkID(doc.ID, "overview"),
		DocID:     doc.ID,
		Title:     doc.Title,
		Content:   fmt.Sprintf("%s (%s)\n%s", doc.Title, meta.String("attack_id"), doc.Content),
		ChunkType: "overview",
		Metadata:  meta.Clone(),
	}}

	if detection := doc.Metadata.String("detection"); detection != "" {
		chunks = append(chunks, DocumentChunk{
			ID:        chunkID(doc.ID, "detection"),
			DocID:     doc.ID,
			Title:     doc.Title + " — detection",
			Content:   fmt.Sprintf("Detection guidance for %s (%s):\n%s", doc.Title, meta.String("attack_id"), detection),
			ChunkType: "detection",
			Metadata:  meta.Clone(),
		})
	}
	return chunks
}

// ============================================================================
// CVE → summary + technical, with severity derived from the CVSS score
// ============================================================================

// cvssSeverity buckets a CVSS base score.
func cvssSeverity(score float64) string {
	switch {
	case score >= 9.0:
		return "Critical"
	case score >= 7.0:
		return "High"
	case score >= 4.0:
		return "Medium"
	default:
		return "Low"
	}
}

func chunkCVE(doc *KnowledgeDocument) []DocumentChunk {
	meta := Metadata{
		"doc_type":          string(doc.DocType),
		"source":            doc.Source,
		"cve_id":            doc.Metadata.String("cve_id"),
		"affected_products": doc.Metadata.Strings("affected_products"),
	}
	if score, ok := doc.Metadata.Float("cvss_score"); ok {
		meta["cvss_score"] = score
		meta["severity"] = cvssSeverity(score)
	}

	severity := meta.String("severity")
	if severity == "" {
		severity = "Unknown"
	}
	chunks := []DocumentChunk{{
		ID:        chunkID(doc.ID, "summary"),
		DocID:     doc.ID,
		Title:     doc.Title,
		Content:   fmt.Sprintf("%s (%s, severity %s)\n%s", doc.Title, meta.String("cve_id"), severity, doc.Content),
		ChunkType: "summary",
		Metadata:  meta.Clone(),
	}}

	if technical := doc.Metadata.String("technical_details"); technical != "" {
		chunks = append(chunks, DocumentChunk{
			ID:        chunkID(doc.ID, "technical"),
			DocID:     doc.ID,
			Title:     doc.Title + " — technical details",
			Content:   technical,
			ChunkType: "technical",
			Metadata:  meta.Clone(),
		})
	}
	return chunks
}

// ============================================================================
// SIGMA RULE → overview + detection logic
// ============================================================================

// attackTechniquesFromTags extracts technique IDs from sigma tags of the form
// "attack.t1110" or "attack.t1021.004".
func attackTechniquesFromTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		if !strings.HasPrefix(lower, "attack.t") {
			continue
		}
		out = append(out, strings.ToUpper(strings.TrimPrefix(lower, "attack.")))
	}
	return out
}

func chunkSigmaRule(doc *KnowledgeDocument) []DocumentChunk {
	tags := doc.Metadata.Strings("tags")
	meta := Metadata{
		"doc_type":          string(doc.DocType),
		"source":            doc.Source,
		"level":             doc.Metadata.String("level"),
		"tags":              tags,
		"attack_techniques": attackTechniquesFromTags(tags),
	}

	chunks := []DocumentChunk{{
		ID:        chunkID(doc.ID, "overview"),
		DocID:     doc.ID,
		Title:     doc.Title,
		Content:   fmt.Sprintf("Detection rule: %s (level %s)\n%s", doc.Title, meta.String("level"), doc.Content),
		ChunkType: "overview",
		Metadata:  meta.Clone(),
	}}

	if logic := doc.Metadata.String("detection"); logic != "" {
		chunks = append(chunks, DocumentChunk{
			ID:        chunkID(doc.ID, "detection_logic"),
			DocID:     doc.ID,
			Title:     doc.Title + " — detection logic",
			Content:   logic,
			ChunkType: "detection_logic",
			Metadata:  meta.Clone(),
		})
	}
	return chunks
}

// ============================================================================
// GENERIC → size-bounded text splits on word boundaries
// ============================================================================

func chunkGeneric(doc *KnowledgeDocument, maxChars int) []DocumentChunk {
	meta := Metadata{
		"doc_type": string(doc.DocType),
		"source":   doc.Source,
	}
	for k, v := range doc.Metadata {
		meta[k] = v
	}

	parts := splitText(doc.Content, maxChars)
	chunks := make([]DocumentChunk, 0, len(parts))
	for i, part := range parts {
		chunkType := fmt.Sprintf("text_%d", i)
		chunks = append(chunks, DocumentChunk{
			ID:        chunkID(doc.ID, chunkType),
			DocID:     doc.ID,
			Title:     doc.Title,
			Content:   part,
			ChunkType: chunkType,
			Metadata:  meta.Clone(),
		})
	}
	return chunks
}

// splitText breaks text into pieces of at most maxChars, preferring word
// boundaries. A single word longer than maxChars is split hard.
func splitText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var parts []string
	var sb strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > maxChars {
			if sb.Len() > 0 {
				parts = append(parts, sb.String())
				sb.Reset()
			}
			parts = append(parts, word[:maxChars])
			word = word[maxChars:]
		}
		if sb.Len() > 0 && sb.Len()+1+len(word) > maxChars {
			parts = append(parts, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(word)
	}
	if sb.Len() > 0 {
		parts = append(parts, sb.String())
	}
	return parts
}
