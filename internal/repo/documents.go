package repo

import (
	"context"
	"database/sql"

	"homeline/internal/domain"
)

const documentCols = `id,phase_id,doc_type,url,uploaded_by,uploader_role,status,created_at,updated_at`

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.PhaseID, d.Type, d.URL, d.UploadedBy, d.UploaderRole, d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDocument(row *sql.Row) (domain.Document, error) {
	var d domain.Document
	err := row.Scan(&d.ID, &d.PhaseID, &d.Type, &d.URL, &d.UploadedBy, &d.UploaderRole, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id))
}

func (r Repo) ListDocuments(ctx context.Context, phaseID string) ([]domain.Document, error) {
	return r.listDocuments(ctx, r.DB.QueryContext, phaseID)
}

func (r Repo) ListDocumentsTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.Document, error) {
	return r.listDocuments(ctx, tx.QueryContext, phaseID)
}

func (r Repo) listDocuments(ctx context.Context, query queryFn, phaseID string) ([]domain.Document, error) {
	rows, err := query(ctx, `SELECT `+documentCols+` FROM documents WHERE phase_id=? ORDER BY created_at`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.PhaseID, &d.Type, &d.URL, &d.UploadedBy, &d.UploaderRole, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDocumentStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDocumentReviewTx(ctx context.Context, tx *sql.Tx, rv domain.DocumentReview) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO document_reviews(id,document_id,stage_seq,reviewer_id,decision,notes,ts) VALUES (?,?,?,?,?,?,?)`,
		rv.ID, rv.DocumentID, rv.StageOrder, rv.ReviewerID, rv.Decision, rv.Notes, rv.TS)
	return err
}

func (r Repo) ListDocumentReviews(ctx context.Context, documentID string) ([]domain.DocumentReview, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,document_id,stage_seq,reviewer_id,decision,notes,ts FROM document_reviews WHERE document_id=? ORDER BY ts`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentReview
	for rows.Next() {
		var rv domain.DocumentReview
		if err := rows.Scan(&rv.ID, &rv.DocumentID, &rv.StageOrder, &rv.ReviewerID, &rv.Decision, &rv.Notes, &rv.TS); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
