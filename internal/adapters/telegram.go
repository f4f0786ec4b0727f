package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/mu-control/internal/attachments"
	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/pipeline"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// confirmCallbackPrefix is the only callback data shape the adapter acts
// on; anything else gets a polite unsupported ack.
const confirmCallbackPrefix = "confirm:"

// TelegramFetcher downloads a file by its Bot API file id.
type TelegramFetcher func(ctx context.Context, fileID string) ([]byte, error)

// TelegramAdapter serves /webhooks/telegram. Updates are verified by the
// webhook secret token; processing is inline or deferred through the
// durable ingress queue. The adapter doubles as one generation under the
// generation manager: ingress acceptance, draining, and the ingress drain
// loop are all gated per instance.
type TelegramAdapter struct {
	core    *Core
	cfg     config.TelegramConfig
	gen     string
	ingress *IngressQueue
	fetch   TelegramFetcher

	accepting atomic.Bool
	draining  atomic.Bool
	drainOn   atomic.Bool
	stopped   atomic.Bool

	inflight sync.WaitGroup
	wake     chan struct{}
}

// NewTelegram builds one Telegram adapter generation. The ingress queue
// is shared across generations; only the instance with drain enabled
// consumes it.
func NewTelegram(core *Core, cfg config.TelegramConfig, ingress *IngressQueue, gen string) *TelegramAdapter {
	a := &TelegramAdapter{
		core:    core,
		cfg:     cfg,
		gen:     gen,
		ingress: ingress,
		wake:    make(chan struct{}, 1),
	}
	a.fetch = a.fetchViaBotAPI
	return a
}

func (a *TelegramAdapter) Name() string         { return pipeline.ChannelTelegram }
func (a *TelegramAdapter) GenerationID() string { return a.gen }

// SetFetcher overrides file downloading, mainly for tests.
func (a *TelegramAdapter) SetFetcher(f TelegramFetcher) { a.fetch = f }

// SetAccepting flips whether the adapter takes new webhook traffic.
func (a *TelegramAdapter) SetAccepting(v bool) { a.accepting.Store(v) }

// Accepting reports whether new ingress is taken.
func (a *TelegramAdapter) Accepting() bool {
	return a.accepting.Load() && !a.draining.Load() && !a.stopped.Load()
}

// SetDrainEnabled gates the ingress drain loop for this generation.
func (a *TelegramAdapter) SetDrainEnabled(v bool) { a.drainOn.Store(v) }

// BeginDrain refuses new ingress while in-flight requests finish.
func (a *TelegramAdapter) BeginDrain() { a.draining.Store(true) }

// EndDrain reverses BeginDrain; used when a rollback reactivates the
// previous generation.
func (a *TelegramAdapter) EndDrain() { a.draining.Store(false) }

// DrainInflight waits until in-flight webhook handling finishes or the
// context expires. Callers must BeginDrain first so the count can only
// fall.
func (a *TelegramAdapter) DrainInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram_drain_timeout: %w", ctx.Err())
	}
}

// Warmup checks the generation can serve before cutover: configured
// secrets and a reachable ingress queue.
func (a *TelegramAdapter) Warmup(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.SecretToken) == "" {
		return errors.New("secret_token missing")
	}
	if strings.TrimSpace(a.cfg.BotToken) == "" {
		return errors.New("bot_token missing")
	}
	if a.cfg.DeferIngress && a.ingress == nil {
		return errors.New("ingress queue unavailable")
	}
	return ctx.Err()
}

// Health reports whether the generation is usable.
func (a *TelegramAdapter) Health(ctx context.Context) error {
	if a.stopped.Load() {
		return errors.New("generation stopped")
	}
	return a.Warmup(ctx)
}

// Stop takes the generation out of service. Force skips nothing here
// since the adapter owns no goroutines, but the flag mirrors the manager
// protocol.
func (a *TelegramAdapter) Stop(force bool) {
	a.accepting.Store(false)
	a.drainOn.Store(false)
	a.stopped.Store(true)
	_ = force
}

func (a *TelegramAdapter) deferred() bool {
	return a.cfg.DeferIngress && a.ingress != nil
}

func (a *TelegramAdapter) nudge() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *TelegramAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !methodGate(w, r, a.Name()) {
		return
	}
	if a.cfg.SecretToken == "" {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonMissingTelegramSecret)
		return
	}
	if !secretsEqual(r.Header.Get(telegramSecretHeader), a.cfg.SecretToken) {
		reject(w, a.Name(), http.StatusUnauthorized, ReasonInvalidTelegramSecret)
		return
	}
	if !a.Accepting() {
		reject(w, a.Name(), http.StatusServiceUnavailable, ReasonGenerationDraining)
		return
	}

	a.inflight.Add(1)
	defer a.inflight.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}
	var upd tgbotapi.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidJSON)
		return
	}

	switch {
	case upd.CallbackQuery != nil:
		a.serveCallback(w, r, upd.CallbackQuery)
	case upd.Message != nil:
		a.serveMessage(w, r, upd.UpdateID, upd.Message)
	default:
		audit.Record(a.Name(), audit.EventIngest, "unsupported_update", "", "")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (a *TelegramAdapter) chatAllowed(chatID int64) bool {
	if len(a.cfg.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (a *TelegramAdapter) serveMessage(w http.ResponseWriter, r *http.Request, updateID int, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}
	chatID := msg.Chat.ID
	if !a.chatAllowed(chatID) {
		audit.Record(a.Name(), audit.EventPolicy, "chat_not_allowlisted", "", strconv.FormatInt(chatID, 10))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	sourceID := strconv.Itoa(updateID)
	requestID := "telegram-" + sourceID

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	ids, saved, failures := a.saveAttachments(r.Context(), requestID, msg)
	if text == "" && (len(saved) > 0 || len(failures) > 0) {
		text = syntheticAttachmentText(saved, failures)
	}

	actor := ""
	if msg.From != nil {
		actor = strconv.FormatInt(msg.From.ID, 10)
	}
	chat := strconv.FormatInt(chatID, 10)

	in := pipeline.Inbound{
		Version:        pipeline.EnvelopeVersion,
		ReceivedAtMs:   a.core.now(),
		RequestID:      requestID,
		DeliveryID:     sourceID,
		Channel:        a.Name(),
		TenantID:       chat,
		ConversationID: chat,
		ActorID:        actor,
		CommandText:    text,
		IdempotencyKey: "telegram-idem-update-" + sourceID,
		Fingerprint:    pipeline.Fingerprint(text),
		AttachmentIDs:  ids,
	}

	if a.deferred() {
		if _, dup, err := a.ingress.Enqueue(IngressKindUpdate, sourceID, in); err != nil {
			writePlain(w, http.StatusInternalServerError, "storage_error")
			return
		} else if !dup {
			audit.Record(a.Name(), audit.EventDefer, "", requestID, "")
			a.nudge()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"method":  "sendChatAction",
			"chat_id": chatID,
			"action":  "typing",
		})
		return
	}

	audit.Record(a.Name(), audit.EventIngest, "message", requestID, "")
	res, err := a.core.handle(r.Context(), in)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, "storage_error")
		return
	}
	if body := pipeline.RenderResult(res, true); body != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"method":  "sendMessage",
			"chat_id": chatID,
			"text":    body,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *TelegramAdapter) serveCallback(w http.ResponseWriter, r *http.Request, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		reject(w, a.Name(), http.StatusBadRequest, ReasonInvalidPayload)
		return
	}
	sourceID := q.ID
	requestID := "telegram-cb-" + sourceID
	data := strings.TrimSpace(q.Data)

	var chatID int64
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}
	if chatID != 0 && !a.chatAllowed(chatID) {
		audit.Record(a.Name(), audit.EventPolicy, "chat_not_allowlisted", requestID, strconv.FormatInt(chatID, 10))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	commandID, ok := strings.CutPrefix(data, confirmCallbackPrefix)
	if !ok || commandID == "" {
		audit.Record(a.Name(), audit.EventIngest, "unsupported_callback", requestID, data)
		writeJSON(w, http.StatusOK, map[string]any{
			"method":            "answerCallbackQuery",
			"callback_query_id": q.ID,
			"text":              "That action isn't available.",
		})
		return
	}

	text := "/mu confirm " + commandID
	chat := strconv.FormatInt(chatID, 10)
	in := pipeline.Inbound{
		Version:        pipeline.EnvelopeVersion,
		ReceivedAtMs:   a.core.now(),
		RequestID:      requestID,
		DeliveryID:     sourceID,
		Channel:        a.Name(),
		TenantID:       chat,
		ConversationID: chat,
		ActorID:        strconv.FormatInt(q.From.ID, 10),
		CommandText:    text,
		IdempotencyKey: "telegram-idem-callback-" + sourceID,
		Fingerprint:    pipeline.Fingerprint(text),
	}

	if a.deferred() {
		if _, dup, err := a.ingress.Enqueue(IngressKindCallback, sourceID, in); err != nil {
			writePlain(w, http.StatusInternalServerError, "storage_error")
			return
		} else if !dup {
			audit.Record(a.Name(), audit.EventDefer, "", requestID, "")
			a.nudge()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"method":            "answerCallbackQuery",
			"callback_query_id": q.ID,
			"text":              "Processing…",
		})
		return
	}

	audit.Record(a.Name(), audit.EventIngest, "callback", requestID, "")
	res, err := a.core.handle(r.Context(), in)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method":            "answerCallbackQuery",
		"callback_query_id": q.ID,
		"text":              callbackToast(res),
	})
}

// callbackToast keeps the immediate callback ack short; the full result
// arrives through the outbox.
func callbackToast(res pipeline.Result) string {
	switch res.State {
	case pipeline.StateCompleted:
		return "Confirmed."
	case pipeline.StateFailed:
		return "Failed: " + res.Reason
	case pipeline.StateDenied:
		return "Denied: " + res.Reason
	case pipeline.StateExpired:
		return "That confirmation expired."
	default:
		return "Done."
	}
}

// RunIngressDrain processes deferred rows until the context ends. Wakes
// on new enqueues and on the backoff timer of the earliest pending row.
func (a *TelegramAdapter) RunIngressDrain(ctx context.Context) {
	if a.ingress == nil {
		return
	}
	for {
		if a.stopped.Load() {
			return
		}
		a.DrainDueIngress(ctx)

		wait := time.Second
		if next := a.ingress.NextWakeAtMs(); next > 0 {
			if d := time.Duration(next-a.core.now()) * time.Millisecond; d > 0 && d < wait {
				wait = d
			} else if d <= 0 {
				wait = 10 * time.Millisecond
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// DrainDueIngress processes every due row once. Only the generation with
// drain enabled consumes the shared queue. Returns the number of rows
// settled either way.
func (a *TelegramAdapter) DrainDueIngress(ctx context.Context) int {
	if a.ingress == nil || !a.drainOn.Load() {
		return 0
	}

	processed := 0
	for _, row := range a.ingress.Due(a.core.now()) {
		res, err := a.core.handle(ctx, row.Envelope)
		if err != nil {
			failed, markErr := a.ingress.MarkFailed(row.EntryID, err.Error())
			if markErr != nil {
				audit.Record(a.Name(), audit.EventFatal, "ingress_mark_failed", row.Envelope.RequestID, markErr.Error())
				continue
			}
			if failed.Status == IngressDeadLetter {
				audit.Record(a.Name(), audit.EventDeadLetter, failed.DeadReason, row.Envelope.RequestID, row.EntryID)
			} else {
				audit.Record(a.Name(), audit.EventRetry, err.Error(), row.Envelope.RequestID, row.EntryID)
			}
			processed++
			continue
		}

		if err := a.ingress.MarkDone(row.EntryID); err != nil {
			audit.Record(a.Name(), audit.EventFatal, "ingress_mark_done", row.Envelope.RequestID, err.Error())
			continue
		}
		a.core.enqueueReply(a.Name(), row.Envelope, res, "ingress-reply:"+row.EntryID, true)
		processed++
	}
	return processed
}

// saveAttachments stores document and photo payloads, returning stored
// ids, their records, and human-readable failure notes.
func (a *TelegramAdapter) saveAttachments(ctx context.Context, requestID string, msg *tgbotapi.Message) ([]string, []attachments.Record, []string) {
	if a.core.Attachments == nil {
		return nil, nil, nil
	}

	type candidate struct {
		fileID string
		name   string
		mime   string
		size   int64
	}
	var cands []candidate
	if msg.Document != nil {
		cands = append(cands, candidate{
			fileID: msg.Document.FileID,
			name:   msg.Document.FileName,
			mime:   msg.Document.MimeType,
			size:   int64(msg.Document.FileSize),
		})
	}
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		cands = append(cands, candidate{
			fileID: best.FileID,
			name:   "photo-" + best.FileUniqueID + ".jpg",
			mime:   "image/jpeg",
			size:   int64(best.FileSize),
		})
	}
	if len(cands) == 0 {
		return nil, nil, nil
	}

	var (
		ids      []string
		saved    []attachments.Record
		failures []string
	)
	for _, c := range cands {
		if err := a.core.Attachments.Allow(a.Name(), c.mime, c.size); err != nil {
			if errors.Is(err, attachments.ErrChannelDisabled) {
				audit.Record(a.Name(), audit.EventPolicy, "attachment_channel_disabled", requestID, c.name)
				continue
			}
			audit.Record(a.Name(), audit.EventPolicy, "attachment_rejected", requestID, c.name+": "+err.Error())
			failures = append(failures, c.name+": "+rejectReason(err))
			continue
		}
		data, err := a.fetch(ctx, c.fileID)
		if err != nil {
			audit.Record(a.Name(), audit.EventPolicy, "attachment_fetch_failed", requestID, c.name+": "+err.Error())
			failures = append(failures, c.name+": fetch failed")
			continue
		}
		// Telegram declares no content hash; hash the fetched bytes so
		// the store can verify its own copy.
		sum := sha256.Sum256(data)
		rec, err := a.core.Attachments.Save(a.Name(), requestID, c.name, c.mime, data, hex.EncodeToString(sum[:]))
		if err != nil {
			audit.Record(a.Name(), audit.EventPolicy, "attachment_rejected", requestID, c.name+": "+err.Error())
			failures = append(failures, c.name+": "+rejectReason(err))
			continue
		}
		ids = append(ids, rec.AttachmentID)
		saved = append(saved, rec)
	}
	return ids, saved, failures
}

func rejectReason(err error) string {
	var rej *attachments.RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return "store failed"
}

// syntheticAttachmentText stands in for a missing caption so the
// pipeline still has command text to route. Output depends only on the
// attachment metadata and failure notes.
func syntheticAttachmentText(saved []attachments.Record, failures []string) string {
	var parts []string
	for _, rec := range saved {
		parts = append(parts, fmt.Sprintf("%s (%s, %d bytes)", rec.Filename, rec.Mime, rec.SizeBytes))
	}
	parts = append(parts, failures...)
	return "[attachments] " + strings.Join(parts, "; ")
}

// fetchViaBotAPI resolves a file id to content through the Bot API file
// endpoints.
func (a *TelegramAdapter) fetchViaBotAPI(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://api.telegram.org/bot%s/getFile?file_id=%s", a.cfg.BotToken, fileID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.core.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var meta struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&meta); err != nil {
		return nil, err
	}
	if !meta.OK || meta.Result.FilePath == "" {
		return nil, errors.New("getFile refused")
	}

	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.BotToken, meta.Result.FilePath), nil)
	if err != nil {
		return nil, err
	}
	fileResp, err := a.core.client().Do(fileReq)
	if err != nil {
		return nil, err
	}
	defer fileResp.Body.Close()
	if fileResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download status %d", fileResp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(fileResp.Body, maxBodyBytes*10))
}
