// Package attachments stores inbound files captured from channel messages.
// Capture is gated twice: Allow screens the metadata a channel declares
// before any bytes move, and Save validates the downloaded content. Blobs
// are content-hash addressed under inbound_attachments/; metadata lives in
// inbound_attachments.index.jsonl. Entries expire after a TTL and the
// sweep reclaims both index rows and unreferenced blobs.
package attachments

import (
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

	"github.com/google/uuid"

	"github.com/basket/mu-control/internal/journal"
	"github.com/basket/mu-control/internal/safety"
)

const (
	// BlobDirName holds the content-addressed blobs.
	BlobDirName = "inbound_attachments"
	// IndexFileName is the metadata journal.
	IndexFileName = "inbound_attachments.index.jsonl"
)

// Rejection reason codes.
const (
	ReasonUnsupportedMime = "inbound_attachment_unsupported_mime"
	ReasonOversize        = "inbound_attachment_oversize"
	ReasonMalwareFlagged  = "inbound_attachment_malware_flagged"
	ReasonMissingHash     = "inbound_attachment_missing_content_hash"
)

// ErrChannelDisabled is returned by Allow when attachment capture is
// switched off for the channel. It is a policy skip, not a rejection.
var ErrChannelDisabled = fmt.Errorf("attachment capture disabled for channel")

// RejectError reports why an attachment was refused.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// Record is one stored attachment.
type Record struct {
	AttachmentID string `json:"attachment_id"`
	Channel      string `json:"channel"`
	RequestID    string `json:"request_id"`
	Filename     string `json:"filename"`
	Mime         string `json:"mime"`
	SizeBytes    int64  `json:"size_bytes"`
	ContentHash  string `json:"content_hash"`
	StoredPath   string `json:"stored_path"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// Store is the attachment index plus blob directory.
type Store struct {
	mu       sync.Mutex
	stateDir string
	j        *journal.Journal
	byID     map[string]Record
	allowed  map[string]struct{}
	modes    map[string]bool
	maxBytes int64
	ttl      time.Duration
	nowMs    func() int64
}

// Options configure a Store.
type Options struct {
	// AllowedMimes is the MIME allowlist; empty refuses everything.
	AllowedMimes []string
	// ChannelModes switches capture per channel. A channel missing from
	// the map is enabled; nil enables every channel.
	ChannelModes map[string]bool
	// MaxBytes caps a single attachment.
	MaxBytes int64
	// TTL is how long attachments live before the sweep removes them.
	TTL time.Duration
	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64
}

// Open replays the index from stateDir and ensures the blob dir exists.
func Open(stateDir string, opts Options) (*Store, error) {
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}

	if err := os.MkdirAll(filepath.Join(stateDir, BlobDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	s := &Store{
		stateDir: stateDir,
		byID:     make(map[string]Record),
		allowed:  make(map[string]struct{}, len(opts.AllowedMimes)),
		modes:    opts.ChannelModes,
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		nowMs:    opts.NowMs,
	}
	for _, m := range opts.AllowedMimes {
		s.allowed[normalizeMime(m)] = struct{}{}
	}

	indexPath := filepath.Join(stateDir, IndexFileName)
	err := journal.Replay(indexPath, func(data []byte) error {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.AttachmentID == "" {
			return fmt.Errorf("attachment record without id")
		}
		if r.Deleted {
			delete(s.byID, r.AttachmentID)
			return nil
		}
		s.byID[r.AttachmentID] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(indexPath)
	if err != nil {
		return nil, err
	}
	s.j = j
	return s, nil
}

// Close closes the index journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.j.Close()
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	// Strip parameters like "; charset=utf-8".
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

// Allow is the pre-download gate. Adapters call it with the mime and
// size a channel declared before fetching any bytes; a zero declaredSize
// means the channel did not declare one and defers to the post-download
// check. Returns ErrChannelDisabled when capture is off for the channel,
// or a *RejectError when the declared metadata fails policy.
func (s *Store) Allow(channel, declaredMime string, declaredSize int64) error {
	if s.modes != nil {
		if on, ok := s.modes[channel]; ok && !on {
			return ErrChannelDisabled
		}
	}
	mime := normalizeMime(declaredMime)
	if _, ok := s.allowed[mime]; !ok {
		return &RejectError{Reason: ReasonUnsupportedMime, Detail: mime}
	}
	if declaredSize > s.maxBytes {
		return &RejectError{
			Reason: ReasonOversize,
			Detail: fmt.Sprintf("%d bytes > %d", declaredSize, s.maxBytes),
		}
	}
	return nil
}

// Save validates and stores one attachment. declaredHash is the sha256
// hex the downloader reports for the content; adapters whose channel
// carries no hash compute it from the fetched bytes. It must be present
// and match. Rejections return a *RejectError with one of the Reason*
// codes.
func (s *Store) Save(channel, requestID, filename, mime string, data []byte, declaredHash string) (Record, error) {
	mime = normalizeMime(mime)
	if _, ok := s.allowed[mime]; !ok {
		return Record{}, &RejectError{Reason: ReasonUnsupportedMime, Detail: mime}
	}
	if int64(len(data)) > s.maxBytes {
		return Record{}, &RejectError{
			Reason: ReasonOversize,
			Detail: fmt.Sprintf("%d bytes > %d", len(data), s.maxBytes),
		}
	}
	declaredHash = strings.ToLower(strings.TrimSpace(declaredHash))
	if declaredHash == "" {
		return Record{}, &RejectError{Reason: ReasonMissingHash}
	}
	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])
	if computed != declaredHash {
		return Record{}, &RejectError{Reason: ReasonMissingHash, Detail: "content hash mismatch"}
	}
	if detail := safety.ScreenAttachment(data); detail != "" {
		return Record{}, &RejectError{Reason: ReasonMalwareFlagged, Detail: detail}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	storedPath := filepath.Join(BlobDirName, computed)
	absPath := filepath.Join(s.stateDir, storedPath)
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := writeBlob(absPath, data); err != nil {
			return Record{}, err
		}
	}

	now := s.nowMs()
	r := Record{
		AttachmentID: "att-" + uuid.NewString(),
		Channel:      channel,
		RequestID:    requestID,
		Filename:     safety.SanitizeFilename(filename),
		Mime:         mime,
		SizeBytes:    int64(len(data)),
		ContentHash:  computed,
		StoredPath:   storedPath,
		CreatedAtMs:  now,
		ExpiresAtMs:  now + s.ttl.Milliseconds(),
	}
	if err := s.j.Append(r); err != nil {
		return Record{}, err
	}
	s.byID[r.AttachmentID] = r
	return r, nil
}

func writeBlob(absPath string, data []byte) error {
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write attachment blob: %w", err)
	}
	if err := os.Rename(tmp, absPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize attachment blob: %w", err)
	}
	return nil
}

// Get returns a live record by id.
func (s *Store) Get(attachmentID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[attachmentID]
	return r, ok
}

// ReadContent returns the blob bytes for a record.
func (s *Store) ReadContent(attachmentID string) ([]byte, error) {
	s.mu.Lock()
	r, ok := s.byID[attachmentID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("attachment %s not found", attachmentID)
	}
	return os.ReadFile(filepath.Join(s.stateDir, r.StoredPath))
}

// ListForRequest returns live records captured for a request id.
func (s *Store) ListForRequest(requestID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.byID {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].AttachmentID < out[j].AttachmentID
	})
	return out
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Sweep removes expired records and deletes blobs no live record
// references. It returns how many records expired.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	expired := 0
	for id, r := range s.byID {
		if r.ExpiresAtMs > now {
			continue
		}
		r.Deleted = true
		if err := s.j.Append(r); err != nil {
			return expired, err
		}
		delete(s.byID, id)
		expired++
	}
	if expired == 0 {
		return 0, nil
	}

	// Reclaim blobs that lost their last reference.
	referenced := make(map[string]struct{}, len(s.byID))
	for _, r := range s.byID {
		referenced[r.ContentHash] = struct{}{}
	}
	blobDir := filepath.Join(s.stateDir, BlobDirName)
	dirEntries, err := os.ReadDir(blobDir)
	if err != nil {
		return expired, fmt.Errorf("read attachment dir: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(blobDir, name))
			continue
		}
		if _, ok := referenced[name]; !ok {
			os.Remove(filepath.Join(blobDir, name))
		}
	}
	return expired, nil
}

// Compact rewrites the index with one line per live record.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]Record, 0, len(s.byID))
	for _, r := range s.byID {
		live = append(live, r)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAtMs != live[j].CreatedAtMs {
			return live[i].CreatedAtMs < live[j].CreatedAtMs
		}
		return live[i].AttachmentID < live[j].AttachmentID
	})
	records := make([]any, 0, len(live))
	for _, r := range live {
		records = append(records, r)
	}
	return s.j.Rewrite(records)
}
