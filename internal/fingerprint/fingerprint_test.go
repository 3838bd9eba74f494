package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompute(t *testing.T, params, namespace, queueRaw string) Fingerprint {
	t.Helper()
	fp, err := Compute(params, namespace, queueRaw)
	require.NoError(t, err)
	return fp
}

func TestComputeIsOrderInsensitiveInParameters(t *testing.T) {
	a := mustCompute(t, "b -x a", "ns", "")
	b := mustCompute(t, "a b -x", "ns", "")
	assert.Equal(t, a, b)
}

func TestComputeIgnoresExtraWhitespace(t *testing.T) {
	a := mustCompute(t, "  --batch   -k general ", "ns", "")
	b := mustCompute(t, "--batch -k general", "ns", "")
	assert.Equal(t, a, b)
}

func TestComputeIsSensitiveToParameters(t *testing.T) {
	a := mustCompute(t, "--batch", "ns", "")
	b := mustCompute(t, "--batch -k general", "ns", "")
	assert.NotEqual(t, a.ParamHash, b.ParamHash)
}

func TestComputeIsSensitiveToNamespace(t *testing.T) {
	a := mustCompute(t, "--batch", "one", "")
	b := mustCompute(t, "--batch", "two", "")
	assert.NotEqual(t, a, b)
	// Only the namespace component differs.
	assert.Equal(t, a.ParamHash, b.ParamHash)
	assert.Equal(t, a.FakeHash, b.FakeHash)
}

func TestComputeIsSensitiveToNonTreeFakes(t *testing.T) {
	empty := mustCompute(t, "--batch", "ns", "")
	withFake := mustCompute(t, "--batch", "ns", "CMD:/p/fake:/usr/bin/real\n")
	assert.NotEqual(t, empty.FakeHash, withFake.FakeHash)
}

func TestComputeExcludesTreeFakesFromIdentity(t *testing.T) {
	base := mustCompute(t, "--batch", "ns", "CMD:/p/fake:/usr/bin/real\n")
	withTree := mustCompute(t, "--batch", "ns", "CMD:/p/fake:/usr/bin/real\nTREE:/p/tree.tar\n")
	assert.Equal(t, base.FakeHash, withTree.FakeHash)

	onlyTree := mustCompute(t, "--batch", "ns", "TREE:/p/tree.tar\n")
	noFakes := mustCompute(t, "--batch", "ns", "")
	assert.Equal(t, noFakes.FakeHash, onlyTree.FakeHash)
}

func TestComputeIsDeterministic(t *testing.T) {
	a := mustCompute(t, "--batch -k general", "ns", "FILE:/p/a:/etc/a\n")
	b := mustCompute(t, "--batch -k general", "ns", "FILE:/p/a:/etc/a\n")
	assert.Equal(t, a, b)
}

func TestComputePreservesFakeOrderInIdentity(t *testing.T) {
	// Fakes apply in order, so order participates in identity.
	a := mustCompute(t, "--batch", "ns", "FILE:/p/a:/etc/a\nFILE:/p/b:/etc/b\n")
	b := mustCompute(t, "--batch", "ns", "FILE:/p/b:/etc/b\nFILE:/p/a:/etc/a\n")
	assert.NotEqual(t, a.FakeHash, b.FakeHash)
}
