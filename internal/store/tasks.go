package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/RevCBH/switchyard/internal/model"
)

// CreateRepository inserts a new repository
func (s *SQLite) CreateRepository(ctx context.Context, repo *model.Repository) error {
	query := `
		INSERT INTO repositories (
			id, project_id, name, clone_url, default_branch,
			workspace_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		repo.ID,
		repo.ProjectID,
		repo.Name,
		repo.CloneURL,
		repo.DefaultBranch,
		repo.WorkspacePath,
		repo.CreatedAt.UTC(),
		repo.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	return nil
}

// GetRepository retrieves a repository by ID.
// Returns nil, nil if it does not exist.
func (s *SQLite) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	query := `
		SELECT id, project_id, name, clone_url, default_branch,
		       workspace_path, created_at, updated_at
		FROM repositories
		WHERE id = ?
	`

	repo := &model.Repository{}
	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&repo.ID,
		&repo.ProjectID,
		&repo.Name,
		&repo.CloneURL,
		&repo.DefaultBranch,
		&repo.WorkspacePath,
		&repo.CreatedAt,
		&repo.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return repo, nil
}

// ListRepositories returns all repositories ordered by ID
func (s *SQLite) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	query := `
		SELECT id, project_id, name, clone_url, default_branch,
		       workspace_path, created_at, updated_at
		FROM repositories
		ORDER BY id
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*model.Repository
	for rows.Next() {
		repo := &model.Repository{}
		err := rows.Scan(
			&repo.ID,
			&repo.ProjectID,
			&repo.Name,
			&repo.CloneURL,
			&repo.DefaultBranch,
			&repo.WorkspacePath,
			&repo.CreatedAt,
			&repo.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating repositories: %w", err)
	}

	return repos, nil
}

const taskColumns = `id, repository_id, name, enabled, harness_name, image_tag,
       instruction, working_directory, env_json, custom_args_json,
       artifact_patterns_json, concurrency_key, concurrency_limit,
       retry_policy_json, sandbox_profile_json, timeout_json,
       artifact_policy_json, approval_profile_json, cron_expression,
       created_at, updated_at`

// CreateTask inserts a new task
func (s *SQLite) CreateTask(ctx context.Context, task *model.Task) error {
	encoded, err := encodeTask(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (
			id, repository_id, name, enabled, harness_name, image_tag,
			instruction, working_directory, env_json, custom_args_json,
			artifact_patterns_json, concurrency_key, concurrency_limit,
			retry_policy_json, sandbox_profile_json, timeout_json,
			artifact_policy_json, approval_profile_json, cron_expression,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		task.ID,
		task.RepositoryID,
		task.Name,
		task.Enabled,
		task.HarnessName,
		task.ImageTag,
		task.Instruction,
		task.WorkingDirectory,
		encoded.env,
		encoded.customArgs,
		encoded.artifactPatterns,
		task.ConcurrencyKey,
		task.ConcurrencyLimit,
		encoded.retryPolicy,
		encoded.sandboxProfile,
		encoded.timeout,
		encoded.artifactPolicy,
		encoded.approvalProfile,
		task.CronExpression,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
// Returns nil, nil if it does not exist.
func (s *SQLite) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ListTasks returns all tasks ordered by ID
func (s *SQLite) ListTasks(ctx context.Context) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY id`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// UpdateTask rewrites a task row
func (s *SQLite) UpdateTask(ctx context.Context, task *model.Task) error {
	encoded, err := encodeTask(task)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks SET
			repository_id = ?, name = ?, enabled = ?, harness_name = ?,
			image_tag = ?, instruction = ?, working_directory = ?,
			env_json = ?, custom_args_json = ?, artifact_patterns_json = ?,
			concurrency_key = ?, concurrency_limit = ?, retry_policy_json = ?,
			sandbox_profile_json = ?, timeout_json = ?, artifact_policy_json = ?,
			approval_profile_json = ?, cron_expression = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.conn.ExecContext(ctx, query,
		task.RepositoryID,
		task.Name,
		task.Enabled,
		task.HarnessName,
		task.ImageTag,
		task.Instruction,
		task.WorkingDirectory,
		encoded.env,
		encoded.customArgs,
		encoded.artifactPatterns,
		task.ConcurrencyKey,
		task.ConcurrencyLimit,
		encoded.retryPolicy,
		encoded.sandboxProfile,
		encoded.timeout,
		encoded.artifactPolicy,
		encoded.approvalProfile,
		task.CronExpression,
		task.UpdatedAt.UTC(),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found: %s", task.ID)
	}

	return nil
}

type encodedTask struct {
	env              string
	customArgs       string
	artifactPatterns string
	retryPolicy      string
	sandboxProfile   string
	timeout          string
	artifactPolicy   string
	approvalProfile  string
}

func encodeTask(task *model.Task) (*encodedTask, error) {
	out := &encodedTask{}
	var err error

	if out.env, err = marshalJSON(task.Env); err != nil {
		return nil, fmt.Errorf("failed to encode env: %w", err)
	}
	if out.customArgs, err = marshalJSON(task.CustomArgs); err != nil {
		return nil, fmt.Errorf("failed to encode custom args: %w", err)
	}
	if out.artifactPatterns, err = marshalJSON(task.ArtifactPatterns); err != nil {
		return nil, fmt.Errorf("failed to encode artifact patterns: %w", err)
	}
	if out.retryPolicy, err = marshalJSON(task.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to encode retry policy: %w", err)
	}
	if out.sandboxProfile, err = marshalJSON(task.SandboxProfile); err != nil {
		return nil, fmt.Errorf("failed to encode sandbox profile: %w", err)
	}
	if out.timeout, err = marshalJSON(task.Timeout); err != nil {
		return nil, fmt.Errorf("failed to encode timeout: %w", err)
	}
	if out.artifactPolicy, err = marshalJSON(task.ArtifactPolicy); err != nil {
		return nil, fmt.Errorf("failed to encode artifact policy: %w", err)
	}
	if task.ApprovalProfile != nil {
		if out.approvalProfile, err = marshalJSON(task.ApprovalProfile); err != nil {
			return nil, fmt.Errorf("failed to encode approval profile: %w", err)
		}
	}

	return out, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var envJSON, argsJSON, patternsJSON string
	var retryJSON, sandboxJSON, timeoutJSON, artifactJSON, approvalJSON string

	err := row.Scan(
		&task.ID,
		&task.RepositoryID,
		&task.Name,
		&task.Enabled,
		&task.HarnessName,
		&task.ImageTag,
		&task.Instruction,
		&task.WorkingDirectory,
		&envJSON,
		&argsJSON,
		&patternsJSON,
		&task.ConcurrencyKey,
		&task.ConcurrencyLimit,
		&retryJSON,
		&sandboxJSON,
		&timeoutJSON,
		&artifactJSON,
		&approvalJSON,
		&task.CronExpression,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(envJSON, &task.Env); err != nil {
		return nil, fmt.Errorf("failed to decode env: %w", err)
	}
	if err := unmarshalJSON(argsJSON, &task.CustomArgs); err != nil {
		return nil, fmt.Errorf("failed to decode custom args: %w", err)
	}
	if err := unmarshalJSON(patternsJSON, &task.ArtifactPatterns); err != nil {
		return nil, fmt.Errorf("failed to decode artifact patterns: %w", err)
	}
	if err := unmarshalJSON(retryJSON, &task.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode retry policy: %w", err)
	}
	if err := unmarshalJSON(sandboxJSON, &task.SandboxProfile); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox profile: %w", err)
	}
	if err := unmarshalJSON(timeoutJSON, &task.Timeout); err != nil {
		return nil, fmt.Errorf("failed to decode timeout: %w", err)
	}
	if err := unmarshalJSON(artifactJSON, &task.ArtifactPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode artifact policy: %w", err)
	}
	if approvalJSON != "" {
		task.ApprovalProfile = &model.ApprovalProfile{}
		if err := unmarshalJSON(approvalJSON, task.ApprovalProfile); err != nil {
			return nil, fmt.Errorf("failed to decode approval profile: %w", err)
		}
	}

	return task, nil
}
