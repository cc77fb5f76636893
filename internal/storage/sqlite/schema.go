package sqlite

const schema = `
-- Tasks table
-- queue stays an open TEXT: only six values carry engine semantics, the
-- rest are flow-specific labels. Validation against registered flows is
-- an advisory layer in the facade, never a schema constraint.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    queue TEXT NOT NULL DEFAULT 'incoming',
    priority TEXT NOT NULL DEFAULT 'P2' CHECK(priority IN ('P0', 'P1', 'P2', 'P3')),
    role TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    scope TEXT NOT NULL,
    file_path TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL,
    project_id TEXT NOT NULL DEFAULT '',
    blocked_by TEXT NOT NULL DEFAULT '',
    claimed_by TEXT,
    orchestrator_id TEXT,
    claimed_at DATETIME,
    lease_expires_at DATETIME,
    version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
    commits_count INTEGER NOT NULL DEFAULT 0,
    turns_used INTEGER NOT NULL DEFAULT 0,
    check_results TEXT NOT NULL DEFAULT '',
    execution_notes TEXT NOT NULL DEFAULT '',
    rejection_count INTEGER NOT NULL DEFAULT 0,
    submitted_at DATETIME,
    completed_at DATETIME,
    hooks TEXT NOT NULL DEFAULT '[]',
    flow TEXT NOT NULL DEFAULT '',
    flow_overrides TEXT NOT NULL DEFAULT '',
    auto_accept INTEGER NOT NULL DEFAULT 0,
    pr_number INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    -- done is terminal and only the accept transition reaches it
    CHECK (queue != 'done' OR completed_at IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue);
CREATE INDEX IF NOT EXISTS idx_tasks_scope_queue ON tasks(scope, queue);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_blocked_by ON tasks(blocked_by);
CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(queue, lease_expires_at);

-- Task history (append-only journal, cascades with the task)
CREATE TABLE IF NOT EXISTS task_history (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    event TEXT NOT NULL,
    agent TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id);
CREATE INDEX IF NOT EXISTS idx_history_created_at ON task_history(created_at);

-- Orchestrators (fleet members; id derived as <cluster>-<machine_id>)
CREATE TABLE IF NOT EXISTS orchestrators (
    id TEXT PRIMARY KEY,
    cluster TEXT NOT NULL,
    machine_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'offline')),
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_orchestrators_scope ON orchestrators(scope);
CREATE INDEX IF NOT EXISTS idx_orchestrators_heartbeat ON orchestrators(status, last_heartbeat);

-- Role registry (claims_from gates selector queue resolution)
CREATE TABLE IF NOT EXISTS roles (
    name TEXT PRIMARY KEY,
    claims_from TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
);

-- Flow registry (advisory pipeline labels)
CREATE TABLE IF NOT EXISTS flows (
    name TEXT PRIMARY KEY,
    stages TEXT NOT NULL DEFAULT '[]'
);

-- Messages (scoped fleet mail; persisted only, never read by the engine)
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(scope, created_at);

-- Actions (scoped out-of-band action records)
CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_actions_scope ON actions(scope, created_at);
`
