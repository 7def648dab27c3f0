package native

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/sigfile"
)

const chunkSize = 64 << 10

type fileKind int

const (
	kindUnknown fileKind = iota
	kindPE
	kindELF
	kindZip
)

func detectKind(head []byte) fileKind {
	switch {
	case bytes.HasPrefix(head, []byte("MZ")):
		return kindPE
	case bytes.HasPrefix(head, []byte("\x7fELF")):
		return kindELF
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return kindZip
	default:
		return kindUnknown
	}
}

// database is the compiled, read-only form of a signature set.
type database struct {
	bodies *automaton
	hashes map[sigfile.HashAlgo]map[string][]sigfile.HashSig
}

func compile(set *sigfile.Set) *database {
	db := &database{
		bodies: buildAutomaton(set.Bodies),
		hashes: map[sigfile.HashAlgo]map[string][]sigfile.HashSig{},
	}
	for _, sig := range set.Hashes {
		byDigest, ok := db.hashes[sig.Algo]
		if !ok {
			byDigest = map[string][]sigfile.HashSig{}
			db.hashes[sig.Algo] = byDigest
		}
		byDigest[sig.Digest] = append(byDigest[sig.Digest], sig)
	}
	return db
}

func (i *instance) ScanStream(ctx context.Context, stream engine.Stream, opts engine.Options) (engine.Verdict, error) {
	db := i.db
	if db == nil {
		return engine.Verdict{}, errors.New("engine is not compiled")
	}
	res, err := db.scanReader(ctx, stream, opts, opts.MaxScanSize)
	processed := res.size
	if err != nil {
		return engine.Verdict{Processed: uint64(processed)}, err
	}

	if res.sig == "" && res.kind == kindZip && !res.truncated && opts.Has(engine.ParseArchive) {
		if ra, ok := stream.(io.ReaderAt); ok {
			sig, n, err := db.scanZip(ctx, ra, res.size, opts)
			processed += n
			if err != nil {
				return engine.Verdict{Processed: uint64(processed)}, err
			}
			res.sig = sig
		}
	}

	if res.sig == "" {
		return engine.Verdict{Kind: engine.VerdictClean, Processed: uint64(processed)}, nil
	}
	return engine.Verdict{Kind: engine.VerdictInfected, Signature: res.sig, Processed: uint64(processed)}, nil
}

type readResult struct {
	sig       string
	size      int64
	kind      fileKind
	truncated bool
}

// scanReader streams r through every matcher. Reading stops at the first
// detection or once limit bytes have been consumed (limit <= 0 is unlimited).
func (db *database) scanReader(ctx context.Context, r io.Reader, opts engine.Options, limit int64) (readResult, error) {
	var res readResult
	cur := db.bodies.cursor()
	hashers := db.newHashers()
	var pe peProbe
	pe.reset()

	accept := func(sig *sigfile.BodySig, start int64) bool {
		if sig.Offset >= 0 && sig.Offset != start {
			return false
		}
		switch sig.Target {
		case sigfile.TargetPE:
			return res.kind == kindPE
		case sigfile.TargetELF:
			return res.kind == kindELF
		default:
			return true
		}
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			if limit > 0 && res.size+int64(n) > limit {
				chunk = chunk[:limit-res.size]
				res.truncated = true
			}
			if res.size == 0 {
				res.kind = detectKind(chunk)
			}
			for _, h := range hashers {
				_, _ = h.Write(chunk)
			}
			pe.observe(chunk, res.size)
			res.size += int64(len(chunk))
			if sig := cur.feed(chunk, accept); sig != nil {
				res.sig = sig.Name
				return res, nil
			}
			if res.truncated {
				break
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return res, fmt.Errorf("read stream: %w", rerr)
		}
	}

	if res.truncated {
		return res, nil
	}
	for algo, h := range hashers {
		digest := hex.EncodeToString(h.Sum(nil))
		for _, sig := range db.hashes[algo][digest] {
			if sig.Size < 0 || sig.Size == res.size {
				res.sig = sig.Name
				return res, nil
			}
		}
	}
	if opts.Heuristics() && opts.Has(engine.ParsePE) && res.kind == kindPE && pe.broken() {
		res.sig = HeuristicBrokenExecutable
	}
	return res, nil
}

// scanZip scans each archive member with the same signatures. Members count
// against MaxFiles and their decompressed bytes against MaxScanSize.
func (db *database) scanZip(ctx context.Context, ra io.ReaderAt, size int64, opts engine.Options) (string, int64, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return "", 0, nil
	}
	var processed int64
	files := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if opts.MaxFiles > 0 && files >= opts.MaxFiles {
			break
		}
		files++
		limit := int64(0)
		if opts.MaxScanSize > 0 {
			limit = opts.MaxScanSize - processed
			if limit <= 0 {
				break
			}
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		res, err := db.scanReader(ctx, rc, opts, limit)
		rc.Close()
		processed += res.size
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", processed, ctxErr
			}
			continue
		}
		if res.sig != "" {
			return res.sig, processed, nil
		}
	}
	return "", processed, nil
}

func (db *database) newHashers() map[sigfile.HashAlgo]hash.Hash {
	hashers := make(map[sigfile.HashAlgo]hash.Hash, len(db.hashes))
	for algo := range db.hashes {
		switch algo {
		case sigfile.MD5:
			hashers[algo] = md5.New()
		case sigfile.SHA1:
			hashers[algo] = sha1.New()
		case sigfile.SHA256:
			hashers[algo] = sha256.New()
		}
	}
	return hashers
}

// peProbe collects the DOS header's e_lfanew and the four bytes it points to
// while the stream goes by.
type peProbe struct {
	mz     bool
	lfanew int64
	sig    [4]byte
	have   int
}

func (p *peProbe) reset() {
	*p = peProbe{lfanew: -1}
}

func (p *peProbe) observe(chunk []byte, base int64) {
	if base == 0 {
		p.mz = bytes.HasPrefix(chunk, []byte("MZ"))
		if p.mz && len(chunk) >= 0x40 {
			p.lfanew = int64(binary.LittleEndian.Uint32(chunk[0x3c:0x40]))
		}
	}
	if p.lfanew < 0 {
		return
	}
	for p.have < len(p.sig) {
		off := p.lfanew + int64(p.have) - base
		if off < 0 || off >= int64(len(chunk)) {
			return
		}
		p.sig[p.have] = chunk[off]
		p.have++
	}
}

// broken reports an MZ file with a full DOS header whose PE signature is
// absent or lies beyond the end of the file.
func (p *peProbe) broken() bool {
	if !p.mz || p.lfanew < 0 {
		return false
	}
	if p.have < len(p.sig) {
		return true
	}
	return !bytes.Equal(p.sig[:], []byte("PE\x00\x00"))
}
