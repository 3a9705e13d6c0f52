package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

const projectColumns = `project_id, owner_id, name, description, created_at, updated_at`

type PostgresProjectRepository struct {
	db      *sql.DB
	timeout time.Duration
	ownerID string
}

func scanProject(row rowScanner) (*mqtmodels.Project, error) {
	var p mqtmodels.Project
	if err := row.Scan(&p.ProjectID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create project
func (r *PostgresProjectRepository) Create(ctx context.Context, name string, description *string) (*mqtmodels.Project, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	now := time.Now().UTC()
	project := &mqtmodels.Project{
		ProjectID:   uuid.New().String(),
		OwnerID:     r.ownerID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `INSERT INTO projects (` + projectColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, project.ProjectID, project.OwnerID, project.Name,
		project.Description, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return nil, mapDBError("create project", err)
	}

	return project, nil
}

// Read projects
func (r *PostgresProjectRepository) Get(ctx context.Context, projectID string) (*mqtmodels.Project, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + projectColumns + ` FROM projects WHERE project_id = $1 AND owner_id = $2`
	project, err := scanProject(r.db.QueryRowContext(ctx, query, projectID, r.ownerID))
	if err != nil {
		return nil, mapDBError("get project", err)
	}
	return project, nil
}

func (r *PostgresProjectRepository) List(ctx context.Context, page, pageSize int) (*interfaces.PaginationResult, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize
	query := `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, r.ownerID, pageSize, offset)
	if err != nil {
		return nil, mapDBError("list projects", err)
	}
	defer rows.Close()

	projects := make([]mqtmodels.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, mapDBError("list projects", err)
		}
		projects = append(projects, *project)
	}
	if err := rows.Err(); err != nil {
		return nil, mapDBError("list projects", err)
	}

	result := &interfaces.PaginationResult{Items: projects}
	if len(projects) == pageSize {
		nextPage := page + 1
		result.NextPage = &nextPage
	}
	return result, nil
}

// Update project
func (r *PostgresProjectRepository) Update(ctx context.Context, projectID string, patch mqtmodels.ProjectPatch) (*mqtmodels.Project, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE projects
		SET name = COALESCE($3, name), description = COALESCE($4, description), updated_at = $5
		WHERE project_id = $1 AND owner_id = $2
		RETURNING ` + projectColumns

	project, err := scanProject(r.db.QueryRowContext(ctx, query, projectID, r.ownerID,
		patch.Name, patch.Description, time.Now().UTC()))
	if err != nil {
		return nil, mapDBError("update project", err)
	}
	return project, nil
}

// Delete project. The project row lock keeps new devices out while the
// provisioned ones are released.
func (r *PostgresProjectRepository) Delete(ctx context.Context, projectID string, release interfaces.ReleaseFunc) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapDBError("delete project", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT project_id FROM projects WHERE project_id = $1 AND owner_id = $2 FOR UPDATE`,
		projectID, r.ownerID).Scan(&locked)
	if err != nil {
		return mapDBError("delete project", err)
	}

	accounts, err := r.lockProvisionedDevices(ctx, tx, projectID)
	if err != nil {
		return mapDBError("delete project", err)
	}
	for _, account := range accounts {
		if err := release(ctx, account); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE project_id = $1`, projectID); err != nil {
		return mapDBError("delete project", err)
	}

	if err := tx.Commit(); err != nil {
		return mapDBError("delete project", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (r *PostgresProjectRepository) lockProvisionedDevices(ctx context.Context, tx *sql.Tx, projectID string) ([]mqtmodels.BrokerAccount, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT device_id, broker_username
		FROM devices
		WHERE project_id = $1
		ORDER BY device_id
		FOR UPDATE`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]mqtmodels.BrokerAccount, 0)
	for rows.Next() {
		var (
			deviceID string
			username *string
		)
		if err := rows.Scan(&deviceID, &username); err != nil {
			return nil, err
		}
		if username != nil {
			accounts = append(accounts, mqtmodels.BrokerAccount{DeviceID: deviceID, OwnerID: r.ownerID, Username: *username})
		}
	}
	return accounts, rows.Err()
}
