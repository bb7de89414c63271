package sqlite

// schemaDDL creates every table the service uses. Times are stored as
// fixed-width UTC text (timeFormat) so they compare correctly as strings.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS agents (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    definition      TEXT NOT NULL,
    disabled        INTEGER NOT NULL DEFAULT 0,
    version         INTEGER NOT NULL DEFAULT 1,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(organization_id);

CREATE TABLE IF NOT EXISTS conversations (
    id                   TEXT PRIMARY KEY,
    agent_id             TEXT NOT NULL,
    organization_id      TEXT NOT NULL,
    party_id             TEXT NOT NULL,
    party                TEXT NOT NULL,
    agent_snapshot       TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'active',
    assistant_turn_count INTEGER NOT NULL DEFAULT 0,
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL,
    closed_at            TEXT
);
-- At most one active conversation per agent and party.
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_party
    ON conversations(agent_id, party_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_conversations_status_updated ON conversations(status, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    seq             INTEGER NOT NULL,
    turn            INTEGER NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    source          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    UNIQUE (conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    message_id      TEXT NOT NULL REFERENCES messages(id),
    turn            INTEGER NOT NULL,
    call_id         TEXT,
    tool_name       TEXT NOT NULL,
    input           TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    result          TEXT,
    error           TEXT,
    started_at      TEXT NOT NULL,
    finished_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id);

CREATE TABLE IF NOT EXISTS usage_records (
    id                TEXT PRIMARY KEY,
    idempotency_key   TEXT NOT NULL UNIQUE,
    conversation_id   TEXT NOT NULL,
    organization_id   TEXT NOT NULL,
    model             TEXT NOT NULL,
    provider          TEXT NOT NULL,
    prompt_tokens     INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    cost_usd          TEXT NOT NULL,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_org_created ON usage_records(organization_id, created_at);
`
