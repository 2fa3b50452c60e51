package store

// NotifyChannel 文档变更通知通道
const NotifyChannel = "medsync_documents"

// Schema 文档表与变更通知触发器
// 行级安全策略通过 current_setting('medsync.auth_uid') 读取调用方身份，由部署方按需定义
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    path        TEXT PRIMARY KEY,
    collection  TEXT NOT NULL,
    group_id    TEXT NOT NULL,
    parent      TEXT NOT NULL DEFAULT '',
    doc_id      TEXT NOT NULL,
    data        JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection);
CREATE INDEX IF NOT EXISTS idx_documents_group_id ON documents (group_id);

CREATE OR REPLACE FUNCTION medsync_notify_document() RETURNS trigger AS $$
DECLARE
    rec documents;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    PERFORM pg_notify('medsync_documents', json_build_object(
        'path', rec.path,
        'collection', rec.collection,
        'group_id', rec.group_id
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_documents_notify ON documents;
CREATE TRIGGER trg_documents_notify
    AFTER INSERT OR UPDATE OR DELETE ON documents
    FOR EACH ROW EXECUTE FUNCTION medsync_notify_document();
`
