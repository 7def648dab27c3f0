package native

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/sigdb"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

type namedReader struct {
	*bytes.Reader
	name string
}

func (r namedReader) Name() string { return r.name }

func stream(name string, data []byte) namedReader {
	return namedReader{Reader: bytes.NewReader(data), name: name}
}

func writeSigs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func loaded(t *testing.T, location string, opts engine.Options) *engine.Handle {
	t.Helper()
	h, err := engine.Initialize(New(nil))
	require.NoError(t, err)
	_, err = h.LoadAndCompile(location, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Teardown() })
	return h
}

func scan(t *testing.T, h *engine.Handle, data []byte) engine.Verdict {
	t.Helper()
	v, err := h.Scan(context.Background(), stream("sample", data))
	require.NoError(t, err)
	return v
}

func TestDetectsEICARByBodySignature(t *testing.T) {
	dir := writeSigs(t, map[string]string{
		"test.ndb": "Eicar-Test-Signature:0:0:" + hex.EncodeToString([]byte(eicar)) + "\n",
		"notes.txt": "ignored",
	})
	h, err := engine.Initialize(New(nil))
	require.NoError(t, err)
	defer h.Teardown()
	sigs, err := h.LoadAndCompile(dir, engine.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, uint(1), sigs)

	v := scan(t, h, []byte(eicar))
	assert.Equal(t, engine.VerdictInfected, v.Kind)
	assert.Equal(t, "Eicar-Test-Signature", v.Signature)
	assert.Equal(t, uint64(len(eicar)), v.Processed)

	v = scan(t, h, []byte("hello world\n"))
	assert.Equal(t, engine.VerdictClean, v.Kind)
	assert.Equal(t, uint64(12), v.Processed)
}

func TestDetectsByHashSignature(t *testing.T) {
	dir := writeSigs(t, map[string]string{
		"main.hdb": "44d88612fea8a8f36de82e1278abb02f:68:Eicar-Hash\n",
		"size.hdb": "44d88612fea8a8f36de82e1278abb02f:69:Wrong-Size\n",
	})
	h := loaded(t, dir, engine.DefaultOptions())

	v := scan(t, h, []byte(eicar))
	assert.Equal(t, engine.VerdictInfected, v.Kind)
	assert.Equal(t, "Eicar-Hash", v.Signature)

	v = scan(t, h, []byte(eicar+"\n"))
	assert.Equal(t, engine.VerdictClean, v.Kind)
}

func TestPatternAcrossChunkBoundary(t *testing.T) {
	dir := writeSigs(t, map[string]string{"x.ndb": "Split.Pattern:0:*:" + hex.EncodeToString([]byte("needle")) + "\n"})
	h := loaded(t, dir, engine.DefaultOptions())

	data := bytes.Repeat([]byte{'.'}, chunkSize+100)
	copy(data[chunkSize-3:], "needle")
	v := scan(t, h, data)
	assert.Equal(t, engine.VerdictInfected, v.Kind)
	assert.Equal(t, "Split.Pattern", v.Signature)
}

func TestOffsetAndTarget(t *testing.T) {
	dir := writeSigs(t, map[string]string{"x.ndb": strings.Join([]string{
		"At.Ten:0:10:6d61726b",
		"At.Five:0:5:7a7a7a",
		"PE.Only:1:*:70656f6e6c79",
	}, "\n")})
	h := loaded(t, dir, engine.DefaultOptions())

	assert.Equal(t, "At.Ten", scan(t, h, []byte("0123456789mark")).Signature)
	assert.Equal(t, engine.VerdictClean, scan(t, h, []byte("012345mark")).Kind)
	assert.Equal(t, engine.VerdictClean, scan(t, h, []byte("zzz........")).Kind)
	assert.Equal(t, engine.VerdictClean, scan(t, h, []byte("text peonly")).Kind)

	pe := peFile(0x80, true)
	pe = append(pe, []byte("peonly")...)
	assert.Equal(t, "PE.Only", scan(t, h, pe).Signature)
}

// peFile builds a minimal MZ image whose e_lfanew is lfanew.
func peFile(lfanew uint32, withHeader bool) []byte {
	size := 0x100
	data := make([]byte, size)
	copy(data, "MZ")
	binary.LittleEndian.PutUint32(data[0x3c:], lfanew)
	if withHeader && int(lfanew)+4 <= size {
		copy(data[lfanew:], "PE\x00\x00")
	}
	return data
}

func TestBrokenExecutableHeuristic(t *testing.T) {
	dir := writeSigs(t, map[string]string{"x.ndb": "Unrelated:0:*:deadbeef\n"})
	h := loaded(t, dir, engine.DefaultOptions())

	assert.Equal(t, HeuristicBrokenExecutable, scan(t, h, peFile(0x1000, false)).Signature)
	assert.Equal(t, HeuristicBrokenExecutable, scan(t, h, peFile(0x80, false)).Signature)
	assert.Equal(t, engine.VerdictClean, scan(t, h, peFile(0x80, true)).Kind)
	assert.Equal(t, engine.VerdictClean, scan(t, h, []byte("MZ")).Kind)

	opts := engine.DefaultOptions()
	opts.General = 0
	quiet := loaded(t, dir, opts)
	assert.Equal(t, engine.VerdictClean, scan(t, quiet, peFile(0x1000, false)).Kind)
}

func zipOf(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestScansZipMembers(t *testing.T) {
	dir := writeSigs(t, map[string]string{"test.ndb": "Eicar-Test-Signature:0:0:" + hex.EncodeToString([]byte(eicar)) + "\n"})
	archive := zipOf(t, "inner/eicar.com", []byte(eicar))

	h := loaded(t, dir, engine.DefaultOptions())
	v := scan(t, h, archive)
	assert.Equal(t, engine.VerdictInfected, v.Kind)
	assert.Equal(t, "Eicar-Test-Signature", v.Signature)
	assert.Equal(t, uint64(len(archive)+len(eicar)), v.Processed)

	opts := engine.DefaultOptions()
	opts.Parse &^= engine.ParseArchive
	flat := loaded(t, dir, opts)
	v = scan(t, flat, archive)
	assert.Equal(t, engine.VerdictClean, v.Kind)
	assert.Equal(t, uint64(len(archive)), v.Processed)
}

func TestMaxScanSizeStopsReading(t *testing.T) {
	dir := writeSigs(t, map[string]string{"test.ndb": "Eicar-Test-Signature:0:*:" + hex.EncodeToString([]byte(eicar)) + "\n"})
	opts := engine.DefaultOptions()
	opts.MaxScanSize = 1024
	h := loaded(t, dir, opts)

	data := append(bytes.Repeat([]byte{' '}, 4096), []byte(eicar)...)
	v := scan(t, h, data)
	assert.Equal(t, engine.VerdictClean, v.Kind)
	assert.Equal(t, uint64(1024), v.Processed)
}

func TestLoadFromSignatureDatabase(t *testing.T) {
	src := filepath.Join(t.TempDir(), "feed.ndb")
	require.NoError(t, os.WriteFile(src, []byte("Eicar-Test-Signature:0:0:"+hex.EncodeToString([]byte(eicar))+"\nSkip:0:*:41??42\n"), 0o600))
	path := filepath.Join(t.TempDir(), "db")
	db, err := sigdb.Open(path, nil)
	require.NoError(t, err)
	_, err = db.Import(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	h := loaded(t, path, engine.DefaultOptions())
	assert.Equal(t, uint(1), h.Signatures())
	assert.Equal(t, "Eicar-Test-Signature", scan(t, h, []byte(eicar)).Signature)
}

func TestLoadFailures(t *testing.T) {
	cases := map[string]string{
		"missing":   filepath.Join(t.TempDir(), "nope"),
		"empty dir": t.TempDir(),
		"malformed": writeSigs(t, map[string]string{"bad.ndb": "Bad:0:*:abc\n"}),
		"unknown":   filepath.Join(writeSigs(t, map[string]string{"rules.txt": "x"}), "rules.txt"),
	}
	for name, location := range cases {
		t.Run(name, func(t *testing.T) {
			h, err := engine.Initialize(New(nil))
			require.NoError(t, err)
			_, err = h.LoadAndCompile(location, engine.DefaultOptions())
			require.Error(t, err)
			assert.ErrorIs(t, err, engine.ErrDatabaseLoad)
			assert.False(t, h.Ready())
		})
	}
}

func TestScanHonoursCancellation(t *testing.T) {
	dir := writeSigs(t, map[string]string{"x.ndb": "X:0:*:4142\n"})
	h := loaded(t, dir, engine.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Scan(ctx, stream("sample", []byte("data")))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrScan)
	assert.ErrorIs(t, err, context.Canceled)
}
