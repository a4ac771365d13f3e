// Package audit implements the append-only, hash-chained JSONL audit log
// (spec.md §4.8): every state change in the coordination core serializes
// through a single writer queue to preserve the hash chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/types"
)

// genesisHash is the 64 hex-zero prev_hash of the first entry
// (spec.md §3 "e[0].prev_hash == 0…0").
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

func init() {
	if len(genesisHash) != 64 {
		panic("audit: genesis hash constant is malformed")
	}
}

// IntegrityError reports the first sequence number whose hash chain is
// broken (spec.md §4.8, §7 IntegrityError).
type IntegrityError struct {
	Seq      uint64
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit: integrity violation at seq %d: expected hash %s, got %s", e.Seq, e.Expected, e.Actual)
}

// Filter selects a subset of entries for Query.
type Filter struct {
	Type           types.AuditType
	Severity       types.Severity
	Since          time.Time
	Until          time.Time
	Actor          string
	SessionSubstr  string
	Grep           string
}

// logRequest is one entry queued on the single-writer channel.
type logRequest struct {
	entry  types.Entry
	result chan logResult
}

type logResult struct {
	entry types.Entry
	err   error
}

// Log is the hash-chained append-only audit log.
type Log struct {
	path string

	// lastHash/lastSeq are owned exclusively by the run() goroutine once
	// started; Open sets their initial values before run() is launched.
	lastHash string
	lastSeq  uint64

	reqCh  chan logRequest
	closed chan struct{}
	wg     sync.WaitGroup
}

// Open opens (or creates) the audit log at path, replaying the last line
// to recover the hash chain (spec.md §4.8 "On open, the last line is
// parsed to recover last_hash and last_seq"). Directory is created 0700,
// file 0600.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}

	l := &Log{
		path:     path,
		lastHash: genesisHash,
		lastSeq:  0,
		reqCh:    make(chan logRequest),
		closed:   make(chan struct{}),
	}

	lastLine, err := readLastLine(path)
	if err != nil {
		return nil, err
	}
	if lastLine != "" {
		var e types.Entry
		if jsonErr := json.Unmarshal([]byte(lastLine), &e); jsonErr != nil {
			log.WithComponent("audit").Warn().Err(jsonErr).Msg("last audit line unreadable, resetting chain in memory only")
		} else {
			l.lastHash = e.Hash
			l.lastSeq = e.Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for append: %w", err)
	}

	l.wg.Add(1)
	go l.run(f)

	return l, nil
}

func readLastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan: %w", err)
	}
	return last, nil
}

// run is the single writer goroutine: it serializes every Log call to
// preserve the hash chain (spec.md §4.8, §5 "single-writer queue").
func (l *Log) run(f *os.File) {
	defer l.wg.Done()
	defer f.Close()

	for req := range l.reqCh {
		e := req.entry
		e.Seq = l.lastSeq + 1
		e.PrevHash = l.lastHash

		canon, err := canonicalWithoutHash(e)
		if err != nil {
			req.result <- logResult{err: fmt.Errorf("audit: canonicalize: %w", err)}
			continue
		}
		sum := sha256.Sum256(canon)
		e.Hash = hex.EncodeToString(sum[:])

		line, err := json.Marshal(e)
		if err != nil {
			req.result <- logResult{err: fmt.Errorf("audit: marshal: %w", err)}
			continue
		}
		line = append(line, '\n')

		if _, err := f.Write(line); err != nil {
			req.result <- logResult{err: fmt.Errorf("audit: append: %w", err)}
			continue
		}
		if err := f.Sync(); err != nil {
			req.result <- logResult{err: fmt.Errorf("audit: sync: %w", err)}
			continue
		}

		l.lastHash = e.Hash
		l.lastSeq = e.Seq

		req.result <- logResult{entry: e}
	}
}

// canonicalWithoutHash produces deterministic bytes for hashing: the
// entry's JSON encoding with the hash field cleared, so hashing is
// independent of field insertion order via struct tag order.
func canonicalWithoutHash(e types.Entry) ([]byte, error) {
	e.Hash = ""
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Log appends a new entry. ts, seq, prevHash, and hash are computed by
// the writer; any provided TS/Seq/PrevHash/Hash fields are ignored.
func (l *Log) Log(typ types.AuditType, sev types.Severity, summary string, details map[string]any, actor, session, channel string) (types.Entry, error) {
	e := types.Entry{
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Type:     typ,
		Severity: sev,
		Summary:  summary,
		Details:  details,
		Actor:    actor,
		Session:  session,
		Channel:  channel,
	}

	result := make(chan logResult, 1)
	select {
	case l.reqCh <- logRequest{entry: e, result: result}:
	case <-l.closed:
		return types.Entry{}, fmt.Errorf("audit: log closed")
	}

	res := <-result
	if res.err != nil {
		return types.Entry{}, res.err
	}
	return res.entry, nil
}

// Close stops the writer goroutine and waits for it to drain.
func (l *Log) Close() error {
	close(l.closed)
	close(l.reqCh)
	l.wg.Wait()
	return nil
}

// Query reads the whole file and filters entries per f (spec.md §4.8
// "Queries read the whole file and filter").
func (l *Log) Query(f Filter) ([]types.Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var out []types.Entry
	for _, e := range entries {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if !f.Since.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, e.TS)
			if err == nil && ts.Before(f.Since) {
				continue
			}
		}
		if !f.Until.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, e.TS)
			if err == nil && ts.After(f.Until) {
				continue
			}
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.SessionSubstr != "" && !strings.Contains(e.Session, f.SessionSubstr) {
			continue
		}
		if f.Grep != "" {
			haystack := e.Summary
			if len(e.Details) > 0 {
				if db, err := json.Marshal(e.Details); err == nil {
					haystack += " " + string(db)
				}
			}
			if !strings.Contains(strings.ToLower(haystack), strings.ToLower(f.Grep)) {
				continue
			}
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (l *Log) readAll() ([]types.Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	var entries []types.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e types.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}

// VerifyResult is the outcome of VerifyIntegrity.
type VerifyResult struct {
	OK      bool
	Entries int
}

// VerifyIntegrity walks the file and fails at the first sequence whose
// prev_hash mismatches the previous hash or whose recomputed hash
// disagrees with the stored one (spec.md §4.8, §8 "Audit log").
func VerifyIntegrity(path string) (VerifyResult, *IntegrityError, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{OK: true, Entries: 0}, nil, nil
		}
		return VerifyResult{}, nil, fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	prevHash := genesisHash
	count := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e types.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return VerifyResult{OK: false, Entries: count}, &IntegrityError{Seq: e.Seq, Expected: prevHash, Actual: "unparseable"}, nil
		}

		if e.PrevHash != prevHash {
			return VerifyResult{OK: false, Entries: count}, &IntegrityError{Seq: e.Seq, Expected: prevHash, Actual: e.PrevHash}, nil
		}

		canon, err := canonicalWithoutHash(e)
		if err != nil {
			return VerifyResult{OK: false, Entries: count}, &IntegrityError{Seq: e.Seq, Expected: e.Hash, Actual: "uncomputable"}, nil
		}
		sum := sha256.Sum256(canon)
		expectedHash := hex.EncodeToString(sum[:])
		if expectedHash != e.Hash {
			return VerifyResult{OK: false, Entries: count}, &IntegrityError{Seq: e.Seq, Expected: expectedHash, Actual: e.Hash}, nil
		}

		prevHash = e.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, nil, fmt.Errorf("audit: scan: %w", err)
	}

	return VerifyResult{OK: true, Entries: count}, nil, nil
}
