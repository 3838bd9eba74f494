// Package fingerprint derives the stable identity under which generated
// artifacts are cached and reused.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsoncanonicalizer "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Fingerprint identifies one invocation: two invocations with an identical
// triple are defined to produce equivalent artifacts and are eligible for
// reuse.
type Fingerprint struct {
	ParamHash string
	Namespace string
	FakeHash  string
}

// String renders the triple for logging.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s/%s", f.ParamHash, f.Namespace, f.FakeHash)
}

// Compute derives the fingerprint for an invocation. It is a pure function of
// its inputs and stable across process restarts: the preimage is canonical
// JSON (RFC 8785) and the hash is unsalted SHA-256.
//
// Parameters are split on whitespace (dropping empty tokens) and sorted, so
// equivalent flag sets collide intentionally regardless of order. Tree-kind
// queue lines are excluded from the fake hash: tree fakes do not participate
// in identity.
func Compute(params, namespace, queueRaw string) (Fingerprint, error) {
	tokens := strings.Fields(params)
	sort.Strings(tokens)
	paramHash, err := hashOf(tokens)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("hashing parameters: %w", err)
	}

	fakeLines := make([]string, 0)
	for _, line := range strings.Split(queueRaw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "TREE") {
			continue
		}
		fakeLines = append(fakeLines, line)
	}
	fakeHash, err := hashOf(fakeLines)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("hashing fake queue: %w", err)
	}

	return Fingerprint{ParamHash: paramHash, Namespace: namespace, FakeHash: fakeHash}, nil
}

// hashOf hashes a list of strings via its canonical JSON encoding. The
// canonicalization pass pins the byte-level form so the hash cannot drift
// with encoder details.
func hashOf(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	canonical, err := jsoncanonicalizer.Transform(encoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
