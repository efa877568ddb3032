package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"job-result-store/internal/config"
	"job-result-store/internal/monitor"
)

// Prepared statement names. Prepared once at startup on the store's single
// connection and executed by name for the lifetime of the store.
const (
	stmtInsertResult   = "insert_result"
	stmtSelectResponse = "select_response"
	stmtUpdateResponse = "update_response"
)

const (
	insertResultSQL = `INSERT INTO results
		(request_id, request_date, response_type, response, response_mimetype)
		VALUES ($1, $2, $3, $4, $5)`
	selectResponseSQL = `SELECT request_id, request_date, response_type, response, response_mimetype
		FROM results WHERE request_id = $1`
	updateResponseSQL = `UPDATE results SET response = $2 WHERE request_id = $1`
)

// Store persists request and response payloads under caller-supplied ids.
// It owns a single database connection and its prepared statements; all
// mutating operations serialize on one exclusive lock. Construct with New
// and release with Shutdown.
type Store struct {
	mu     sync.Mutex
	conn   Conn
	closed bool

	policy  *Policy
	baseURL string
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// NewProvider selects the connection strategy once, at startup: pooled
// lookup when a data source name is configured, direct otherwise.
func NewProvider(cfg config.DatabaseConfig) Provider {
	if cfg.Datasource != "" {
		return &PoolProvider{Datasource: cfg.Datasource}
	}
	return &DirectProvider{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Name,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// New acquires the store's connection, bootstraps the schema and prepares
// the statement set. Connection or schema failures are fatal at startup.
func New(ctx context.Context, cfg *config.Config, provider Provider, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Store, error) {
	conn, err := provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if err := EnsureSchema(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	policy, err := NewPolicy(cfg.Results.Path, cfg.Results.SaveResultsToDB)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	statements := map[string]string{
		stmtInsertResult:   insertResultSQL,
		stmtSelectResponse: selectResponseSQL,
		stmtUpdateResponse: updateResponseSQL,
	}
	for name, sql := range statements {
		if err := conn.Prepare(ctx, name, sql); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("preparing statement %s: %w", name, err)
		}
	}

	log.Info().Msg("result store ready")
	return &Store{
		conn:    conn,
		policy:  policy,
		baseURL: cfg.BaseResultURL(),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// InsertRequest records the request payload that produced a job.
func (s *Store) InsertRequest(ctx context.Context, id string, r io.Reader, isXML bool) {
	mimeType := MimeTextPlain
	if isXML {
		mimeType = MimeTextXML
	}
	s.insertResultEntity(ctx, id, TypeExecuteRequest, mimeType, r)
}

// InsertResponse records a finished job's response payload and returns the
// URL a client retrieves it from.
func (s *Store) InsertResponse(ctx context.Context, id string, r io.Reader) string {
	return s.insertResultEntity(ctx, id, TypeExecuteResponse, MimeTextXML, r)
}

// insertResultEntity applies the storage policy and executes the prepared
// insert. Best-effort by contract: a persistence failure is logged and
// counted, and the retrieval URL is returned regardless, so callers cannot
// distinguish "saved" from "URL issued but not saved".
func (s *Store) insertResultEntity(ctx context.Context, id, responseType, mimeType string, r io.Reader) string {
	ctx, span := s.tracer.StartSpan(ctx, "insert_result",
		monitor.AttrResultID.String(id),
		monitor.AttrResponseType.String(responseType))
	defer span.End()

	retrieveURL := s.RetrieveResultURL(id)

	payload, err := io.ReadAll(r)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("id", id).Msg("failed to read result payload")
		s.metrics.InsertsTotal.WithLabelValues(responseType, "error").Inc()
		return retrieveURL
	}

	value, spillErr := s.policy.StoreValue(id, payload)
	if spillErr != nil {
		log.Error().Err(spillErr).Str("id", id).Msg("failed to write output data to disk, storing payload inline")
		s.metrics.SpillFallbacks.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		log.Error().Str("id", id).Msg("insert requested on closed result store")
		s.metrics.InsertsTotal.WithLabelValues(responseType, "error").Inc()
		return retrieveURL
	}

	if err := s.execInsert(ctx, id, responseType, mimeType, value); err != nil {
		span.RecordError(err)
		if isPgErr(err, pgerrcode.UniqueViolation) {
			log.Error().Str("id", id).Msg("result id already exists, insert rejected")
		} else {
			log.Error().Err(err).Str("id", id).Msg("failed to insert result data into the database")
		}
		s.metrics.InsertsTotal.WithLabelValues(responseType, "error").Inc()
		return retrieveURL
	}

	s.metrics.InsertsTotal.WithLabelValues(responseType, "ok").Inc()
	log.Debug().Str("id", id).Str("type", responseType).Msg("inserted result into database")
	return retrieveURL
}

func (s *Store) execInsert(ctx context.Context, id, responseType, mimeType, value string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stmtInsertResult, id, time.Now().UTC(), responseType, mimeType, value); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// UpdateResponse overwrites the payload stored under id. The record's storage
// location never changes: a row holding a file marker has its file rewritten
// in place, any other row (including an output whose insert-time spill failed
// and fell back to inline) keeps the new payload inline. REQUEST_DATE is
// never touched.
func (s *Store) UpdateResponse(ctx context.Context, id string, r io.Reader) {
	ctx, span := s.tracer.StartSpan(ctx, "update_response", monitor.AttrResultID.String(id))
	defer span.End()

	payload, err := io.ReadAll(r)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to read updated payload")
		s.metrics.UpdatesTotal.WithLabelValues("error").Inc()
		return
	}

	current, err := s.fetchStored(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Warn().Str("id", id).Msg("update requested for unknown id, nothing to do")
			return
		}
		span.RecordError(err)
		log.Error().Err(err).Str("id", id).Msg("could not read current response for update")
		s.metrics.UpdatesTotal.WithLabelValues("error").Inc()
		return
	}

	value, err := s.policy.UpdateValue(current.Response, payload)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("id", id).Msg("could not rewrite spilled response on disk")
		s.metrics.UpdatesTotal.WithLabelValues("error").Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		log.Error().Str("id", id).Msg("update requested on closed result store")
		s.metrics.UpdatesTotal.WithLabelValues("error").Inc()
		return
	}

	if err := s.execUpdate(ctx, id, value); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("id", id).Msg("could not update response in database")
		s.metrics.UpdatesTotal.WithLabelValues("error").Inc()
		return
	}
	s.metrics.UpdatesTotal.WithLabelValues("ok").Inc()
}

func (s *Store) execUpdate(ctx context.Context, id, value string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stmtUpdateResponse, id, value); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// LookupResponse returns the payload stored under id, reopened from disk for
// spilled records. Returns (nil, nil) for an empty or unknown id.
func (s *Store) LookupResponse(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, _, err := s.RetrieveResult(ctx, id)
	return rc, err
}

// RetrieveResult is LookupResponse plus the stored mime type, for callers
// serving the payload over HTTP.
func (s *Store) RetrieveResult(ctx context.Context, id string) (io.ReadCloser, string, error) {
	ctx, span := s.tracer.StartSpan(ctx, "lookup_response", monitor.AttrResultID.String(id))
	defer span.End()

	if id == "" {
		log.Warn().Msg("lookup requested for empty id")
		s.metrics.LookupsTotal.WithLabelValues("miss").Inc()
		span.SetAttributes(monitor.AttrOutcome.String("miss"))
		return nil, "", nil
	}

	rec, err := s.fetchStored(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.metrics.LookupsTotal.WithLabelValues("miss").Inc()
			span.SetAttributes(monitor.AttrOutcome.String("miss"))
			return nil, "", nil
		}
		s.metrics.LookupsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetAttributes(monitor.AttrOutcome.String("error"))
		if errors.Is(err, ErrClosed) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("querying response %s: %w", id, err)
	}

	s.metrics.LookupsTotal.WithLabelValues("hit").Inc()
	span.SetAttributes(monitor.AttrOutcome.String("hit"))
	return s.policy.Open(id, rec.Response), rec.MimeType, nil
}

// LookupResponseFile resolves the stored file location for a spilled record.
// Returns (nil, nil) for records stored inline in the table.
func (s *Store) LookupResponseFile(ctx context.Context, id string) (*os.File, error) {
	if id == "" || !IsOutputID(id) || !s.policy.Spills() {
		log.Warn().Str("id", id).Msg("requested response as file for a response stored in the database, returning nil")
		return nil, nil
	}

	rec, err := s.fetchStored(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("querying response %s: %w", id, err)
	}

	path, ok := s.policy.fileLocation(rec.Response)
	if !ok {
		log.Warn().Str("id", id).Msg("could not resolve file location for response")
		return nil, nil
	}
	return os.Open(path) // #nosec G304 -- path derives from our own base directory
}

// fetchStored reads the row under the store lock. The lock is released
// before any spilled-file resolution so lookups overlap in their file I/O
// phase.
func (s *Store) fetchStored(ctx context.Context, id string) (ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ResultRecord{}, ErrClosed
	}

	var rec ResultRecord
	err := s.conn.QueryRow(ctx, stmtSelectResponse, id).
		Scan(&rec.ID, &rec.RequestDate, &rec.ResponseType, &rec.Response, &rec.MimeType)
	if err != nil {
		return ResultRecord{}, err
	}
	return rec, nil
}

// RetrieveResultURL constructs the externally resolvable address for id.
// Pure string construction, no I/O.
func (s *Store) RetrieveResultURL(id string) string {
	return s.baseURL + url.QueryEscape(id)
}

// Healthy checks database connectivity.
func (s *Store) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.conn.Ping(ctx) == nil
}

// Shutdown deallocates the prepared statements and closes the connection.
// Connection close is attempted even when deallocation fails. Operations
// after Shutdown fail with ErrClosed; a fresh store may be constructed.
func (s *Store) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	var stmtErr error
	for _, name := range []string{stmtInsertResult, stmtSelectResponse, stmtUpdateResponse} {
		if err := s.conn.Deallocate(ctx, name); err != nil {
			stmtErr = err
		}
	}
	if stmtErr != nil {
		log.Error().Err(stmtErr).Msg("prepared statements could not be closed")
	}

	if err := s.conn.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("database connection was not closed cleanly during shutdown")
		_ = s.conn.Close(ctx)
		return
	}
	log.Info().Msg("result store shut down")
}
