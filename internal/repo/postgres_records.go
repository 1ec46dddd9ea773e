package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
)

type PostgresRecordRepo struct {
	db *sql.DB
}

func NewPostgresRecordRepo(db *sql.DB) *PostgresRecordRepo {
	return &PostgresRecordRepo{db: db}
}

const recordColumns = `
	id, provider, external_id,
	from_number, to_number, to_number_name, duration, received_at, file_url, local_path, unread,
	transcription_status, transcription_text, transcription_language, transcription_confidence,
	transcription_attempts, transcribed_at,
	corrected_text, summary, summary_en, sentiment, emotion, category, urgent, email_subject,
	summary_model, summarized_at,
	delivery_status, delivery_message_id, delivered_at,
	last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// recordScan holds the nullable scan targets for recordColumns.
type recordScan struct {
	rec model.Record

	fromNumber, toNumber, toNumberName         sql.NullString
	receivedAt                                 sql.NullTime
	fileURL, localPath                         sql.NullString
	tStatus                                    string
	tText, tLang                               sql.NullString
	tConfidence                                sql.NullFloat64
	transcribedAt                              sql.NullTime
	corrected, summary, summaryEN              sql.NullString
	sentiment, emotion, category, emailSubject sql.NullString
	summaryModel                               sql.NullString
	summarizedAt                               sql.NullTime
	dStatus                                    string
	deliveryMessageID                          sql.NullString
	deliveredAt                                sql.NullTime
	lastError                                  sql.NullString
}

func (s *recordScan) dests() []any {
	return []any{
		&s.rec.ID, &s.rec.Provider, &s.rec.ExternalID,
		&s.fromNumber, &s.toNumber, &s.toNumberName, &s.rec.Duration, &s.receivedAt, &s.fileURL, &s.localPath, &s.rec.Unread,
		&s.tStatus, &s.tText, &s.tLang, &s.tConfidence,
		&s.rec.TranscriptionAttempts, &s.transcribedAt,
		&s.corrected, &s.summary, &s.summaryEN, &s.sentiment, &s.emotion, &s.category, &s.rec.Urgent, &s.emailSubject,
		&s.summaryModel, &s.summarizedAt,
		&s.dStatus, &s.deliveryMessageID, &s.deliveredAt,
		&s.lastError, &s.rec.CreatedAt, &s.rec.UpdatedAt,
	}
}

func (s *recordScan) record() model.Record {
	r := s.rec
	r.FromNumber = s.fromNumber.String
	r.ToNumber = s.toNumber.String
	r.ToNumberName = s.toNumberName.String
	if s.receivedAt.Valid {
		r.ReceivedAt = s.receivedAt.Time
	}
	r.FileURL = nullStr(s.fileURL)
	r.LocalPath = nullStr(s.localPath)
	r.TranscriptionStatus = model.TranscriptionStatus(s.tStatus)
	r.TranscriptionText = nullStr(s.tText)
	r.TranscriptionLanguage = nullStr(s.tLang)
	if s.tConfidence.Valid {
		v := s.tConfidence.Float64
		r.TranscriptionConfidence = &v
	}
	r.TranscribedAt = nullTime(s.transcribedAt)
	r.CorrectedText = nullStr(s.corrected)
	r.Summary = nullStr(s.summary)
	r.SummaryEN = nullStr(s.summaryEN)
	r.Sentiment = nullStr(s.sentiment)
	r.Emotion = nullStr(s.emotion)
	r.Category = nullStr(s.category)
	r.EmailSubject = nullStr(s.emailSubject)
	r.SummaryModel = nullStr(s.summaryModel)
	r.SummarizedAt = nullTime(s.summarizedAt)
	r.DeliveryStatus = model.DeliveryStatus(s.dStatus)
	r.DeliveryMessageID = nullStr(s.deliveryMessageID)
	r.DeliveredAt = nullTime(s.deliveredAt)
	r.LastError = nullStr(s.lastError)
	return r
}

func scanRecord(row rowScanner, extra ...any) (model.Record, error) {
	var s recordScan
	if err := row.Scan(append(s.dests(), extra...)...); err != nil {
		return model.Record{}, err
	}
	return s.record(), nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func (p *PostgresRecordRepo) UpsertFromSync(ctx context.Context, meta model.SyncMeta) (model.Record, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO voicemails (
			provider, external_id,
			from_number, to_number, to_number_name, duration, received_at, file_url, unread,
			transcription_status, transcription_text, delivery_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12)
		ON CONFLICT (provider, external_id) DO UPDATE SET
			from_number    = EXCLUDED.from_number,
			to_number      = EXCLUDED.to_number,
			to_number_name = EXCLUDED.to_number_name,
			duration       = EXCLUDED.duration,
			received_at    = EXCLUDED.received_at,
			file_url       = EXCLUDED.file_url,
			unread         = EXCLUDED.unread,
			updated_at     = now()
		RETURNING`+recordColumns+`, (xmax = 0)
	`,
		meta.Provider, meta.ExternalID,
		meta.FromNumber, meta.ToNumber, meta.ToNumberName, meta.Duration, meta.ReceivedAt, meta.FileURL, meta.Unread,
		string(meta.InitialTranscription), meta.InitialText, string(meta.InitialDelivery),
	)

	var created bool
	r, err := scanRecord(row, &created)
	if err != nil {
		return model.Record{}, false, err
	}
	return r, created, nil
}

func (p *PostgresRecordRepo) SetAudioPath(ctx context.Context, id int64, path string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE voicemails
		SET local_path = $2, updated_at = now()
		WHERE id = $1
	`, id, path)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresRecordRepo) ClaimTranscriptions(ctx context.Context, limit, maxAttempts int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	return p.claim(ctx, `
		SELECT`+recordColumns+`
		FROM voicemails
		WHERE local_path IS NOT NULL
		  AND (transcription_status = 'pending'
		       OR (transcription_status = 'failed' AND transcription_attempts < $2))
		ORDER BY received_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, []any{limit, maxAttempts}, `
		UPDATE voicemails
		SET transcription_status = 'processing', updated_at = now()
		WHERE id = $1
	`, func(r *model.Record) {
		r.TranscriptionStatus = model.TranscriptionProcessing
	})
}

func (p *PostgresRecordRepo) ClaimEnrichables(ctx context.Context, limit int, staleAfter time.Duration) ([]model.Record, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	return p.claim(ctx, `
		SELECT`+recordColumns+`
		FROM voicemails
		WHERE transcription_status = 'completed'
		  AND transcription_text IS NOT NULL
		  AND transcription_text NOT IN ($3, $4, $5, $6)
		  AND (summary IS NULL OR summary = $7)
		  AND (enrich_claimed_at IS NULL OR enrich_claimed_at < now() - make_interval(secs => $2))
		ORDER BY received_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, []any{
		limit, staleAfter.Seconds(),
		model.SentinelNoAudio, model.SentinelTooShort, model.SentinelNoContent, model.SentinelAudioTooShort,
		model.SentinelNoSummary,
	}, `
		UPDATE voicemails
		SET enrich_claimed_at = now(), updated_at = now()
		WHERE id = $1
	`, nil)
}

func (p *PostgresRecordRepo) ClaimDeliveries(ctx context.Context, limit int, cutoff *time.Time) ([]model.Record, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	var cutoffArg sql.NullTime
	if cutoff != nil {
		cutoffArg = sql.NullTime{Time: *cutoff, Valid: true}
	}

	return p.claim(ctx, `
		SELECT`+recordColumns+`
		FROM voicemails
		WHERE delivery_status = 'pending'
		  AND summary IS NOT NULL
		  AND summary NOT IN ($3, $4)
		  AND ($2::timestamptz IS NULL OR received_at >= $2)
		ORDER BY received_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, []any{
		limit, cutoffArg,
		model.SentinelNoMeaningfulContent, model.SentinelNoSummary,
	}, `
		UPDATE voicemails
		SET delivery_status = 'processing', updated_at = now()
		WHERE id = $1
	`, func(r *model.Record) {
		r.DeliveryStatus = model.DeliveryProcessing
	})
}

// claim runs the shared select-then-flip claim transaction: candidate
// rows are locked with SKIP LOCKED so two concurrent claimers never
// return the same record, then each is stamped by claimUpdate before
// the transaction commits.
func (p *PostgresRecordRepo) claim(
	ctx context.Context,
	selectQuery string, selectArgs []any,
	claimUpdate string,
	apply func(*model.Record),
) ([]model.Record, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, err
	}

	var recs []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(recs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, claimUpdate, r.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if apply != nil {
		for i := range recs {
			apply(&recs[i])
		}
	}
	return recs, nil
}

func (p *PostgresRecordRepo) CommitTranscription(ctx context.Context, id int64, out model.TranscriptionOutcome) error {
	var (
		res sql.Result
		err error
	)

	switch out.Status {
	case model.TranscriptionCompleted:
		res, err = p.db.ExecContext(ctx, `
			UPDATE voicemails
			SET transcription_status = 'completed',
			    transcription_text = $2,
			    transcription_language = NULLIF($3, ''),
			    transcription_confidence = $4,
			    transcribed_at = now(),
			    last_error = NULL,
			    updated_at = now()
			WHERE id = $1 AND transcription_status = 'processing'
		`, id, out.Text, out.Language, out.Confidence)
	case model.TranscriptionSkipped:
		res, err = p.db.ExecContext(ctx, `
			UPDATE voicemails
			SET transcription_status = 'skipped',
			    transcription_text = $2,
			    transcribed_at = now(),
			    last_error = NULL,
			    updated_at = now()
			WHERE id = $1 AND transcription_status = 'processing'
		`, id, out.Text)
	case model.TranscriptionFailed:
		res, err = p.db.ExecContext(ctx, `
			UPDATE voicemails
			SET transcription_status = 'failed',
			    transcription_attempts = transcription_attempts + 1,
			    last_error = $2,
			    updated_at = now()
			WHERE id = $1 AND transcription_status = 'processing'
		`, id, out.Error)
	default:
		return fmt.Errorf("invalid transcription outcome status %q", out.Status)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresRecordRepo) CommitEnrichment(ctx context.Context, id int64, out model.EnrichmentOutcome) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE voicemails
		SET corrected_text = NULLIF($2, ''),
		    summary = $3,
		    summary_en = NULLIF($4, ''),
		    sentiment = NULLIF($5, ''),
		    emotion = NULLIF($6, ''),
		    category = NULLIF($7, ''),
		    urgent = $8,
		    email_subject = NULLIF($9, ''),
		    summary_model = NULLIF($10, ''),
		    summarized_at = now(),
		    enrich_claimed_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, out.CorrectedText, out.Summary, out.SummaryEN, out.Sentiment, out.Emotion, out.Category, out.Urgent, out.EmailSubject, out.Model)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresRecordRepo) CommitDelivery(ctx context.Context, id int64, out model.DeliveryOutcome) error {
	var (
		res sql.Result
		err error
	)

	switch out.Status {
	case model.DeliverySent:
		res, err = p.db.ExecContext(ctx, `
			UPDATE voicemails
			SET delivery_status = 'sent',
			    delivery_message_id = $2,
			    delivered_at = now(),
			    last_error = NULL,
			    updated_at = now()
			WHERE id = $1 AND delivery_status <> 'sent'
		`, id, out.MessageID)
	case model.DeliveryFailed:
		res, err = p.db.ExecContext(ctx, `
			UPDATE voicemails
			SET delivery_status = 'failed',
			    last_error = $2,
			    updated_at = now()
			WHERE id = $1 AND delivery_status <> 'sent'
		`, id, out.Error)
	case model.DeliverySkipped:
		res, err = p.db.ExecContext(ctx, `
			UPDATE voicemails
			SET delivery_status = 'skipped',
			    updated_at = now()
			WHERE id = $1 AND delivery_status <> 'sent'
		`, id)
	default:
		return fmt.Errorf("invalid delivery outcome status %q", out.Status)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresRecordRepo) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	secs := olderThan.Seconds()
	released := 0

	res, err := p.db.ExecContext(ctx, `
		UPDATE voicemails
		SET transcription_status = 'pending', updated_at = now()
		WHERE transcription_status = 'processing'
		  AND updated_at < now() - make_interval(secs => $1)
	`, secs)
	if err != nil {
		return released, err
	}
	n, _ := res.RowsAffected()
	released += int(n)

	res, err = p.db.ExecContext(ctx, `
		UPDATE voicemails
		SET delivery_status = 'pending', updated_at = now()
		WHERE delivery_status = 'processing'
		  AND updated_at < now() - make_interval(secs => $1)
	`, secs)
	if err != nil {
		return released, err
	}
	n, _ = res.RowsAffected()
	released += int(n)

	// Expired enrichment claims are already invisible to
	// ClaimEnrichables; clearing the stamp keeps the table tidy.
	_, err = p.db.ExecContext(ctx, `
		UPDATE voicemails
		SET enrich_claimed_at = NULL
		WHERE enrich_claimed_at IS NOT NULL
		  AND enrich_claimed_at < now() - make_interval(secs => $1)
	`, secs)
	return released, err
}

func (p *PostgresRecordRepo) Reprocess(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE voicemails
		SET transcription_status = 'pending',
		    transcription_attempts = 0,
		    transcription_text = NULL,
		    transcription_language = NULL,
		    transcription_confidence = NULL,
		    transcribed_at = NULL,
		    corrected_text = NULL,
		    summary = NULL,
		    summary_en = NULL,
		    sentiment = NULL,
		    emotion = NULL,
		    category = NULL,
		    urgent = FALSE,
		    email_subject = NULL,
		    summary_model = NULL,
		    summarized_at = NULL,
		    enrich_claimed_at = NULL,
		    delivery_status = 'pending',
		    delivery_message_id = NULL,
		    delivered_at = NULL,
		    last_error = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresRecordRepo) ListPendingDownloads(ctx context.Context, limit, minDuration int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT`+recordColumns+`
		FROM voicemails
		WHERE transcription_status = 'pending'
		  AND local_path IS NULL
		  AND duration >= $2
		ORDER BY received_at ASC
		LIMIT $1
	`, limit, minDuration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (p *PostgresRecordRepo) Get(ctx context.Context, id int64) (model.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT`+recordColumns+`
		FROM voicemails
		WHERE id = $1
	`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresRecordRepo) List(ctx context.Context, f ListFilter) ([]model.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if f.TranscriptionStatus != "" {
		args = append(args, string(f.TranscriptionStatus))
		where = append(where, fmt.Sprintf("transcription_status = $%d", len(args)))
	}
	if f.DeliveryStatus != "" {
		args = append(args, string(f.DeliveryStatus))
		where = append(where, fmt.Sprintf("delivery_status = $%d", len(args)))
	}

	query := `SELECT` + recordColumns + ` FROM voicemails`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
