package postgres

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	license_key TEXT PRIMARY KEY,
	balance     INTEGER NOT NULL CHECK (balance >= 0),
	source      TEXT NOT NULL DEFAULT 'manual',
	reference   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payments (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	reference   TEXT UNIQUE,
	license_key TEXT NOT NULL,
	email       TEXT NOT NULL DEFAULT '',
	amount      NUMERIC(12,2) NOT NULL,
	currency    TEXT NOT NULL DEFAULT 'eur',
	credits     INTEGER NOT NULL,
	plan_id     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
