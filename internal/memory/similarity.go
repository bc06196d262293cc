package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NormalizeEntity derives the comparison form of a subject, object or entity
// name: lowercase, trimmed, inner whitespace collapsed to single spaces.
func NormalizeEntity(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizePredicate derives the comparison form of a predicate or
// relationship type.
func NormalizePredicate(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// Object types inferred from a fact's raw object.
const (
	ObjectString = "string"
	ObjectNumber = "number"
	ObjectBool   = "bool"
	ObjectDate   = "date"
)

// InferObjectType types a raw fact object.
func InferObjectType(raw string) string {
	v := strings.TrimSpace(raw)
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return ObjectNumber
	}
	if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
		return ObjectBool
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if _, err := time.Parse(layout, v); err == nil {
			return ObjectDate
		}
	}
	return ObjectString
}

// ContentHash fingerprints a payload. encoding/json sorts map keys, so equal
// payloads hash equally regardless of construction order. The packet type is
// deliberately not hashed.
func ContentHash(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CosineSimilarity of two vectors; 0 when either is empty or the lengths
// differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordSimilarity scores how well free text matches a query.
// Blends a Jaccard overlap with query coverage; substring hits count 0.7.
func keywordSimilarity(query, text string) float64 {
	keywords := tokenize(query)
	if len(keywords) == 0 {
		return 0
	}
	target := strings.ToLower(text)
	targetSet := make(map[string]bool)
	for _, w := range tokenize(target) {
		targetSet[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		if targetSet[kw] {
			matched++
			weighted += 1.0
		} else if strings.Contains(target, kw) {
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}
