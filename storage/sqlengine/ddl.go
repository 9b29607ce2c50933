package sqlengine

// BuildDDL renders the shared EAV schema with dialect-specific column
// types substituted in. idType/textType/blobType/floatType let the two
// adapters pick BIGINT/TEXT/BYTEA/DOUBLE PRECISION (PostgreSQL) versus
// INTEGER/TEXT/BLOB/REAL (SQLite) without duplicating the table layout.
func BuildDDL(idType, textType, blobType, floatType string) string {
	return `
CREATE TABLE IF NOT EXISTS entitykv_rows (
  entity_name TEXT NOT NULL,
  id          ` + idType + ` NOT NULL,
  payload     ` + blobType + ` NOT NULL,
  PRIMARY KEY (entity_name, id)
);

CREATE TABLE IF NOT EXISTS entitykv_prop_text (
  entity_name TEXT NOT NULL,
  id          ` + idType + ` NOT NULL,
  property_id INTEGER NOT NULL,
  value       ` + textType + ` NOT NULL,
  value_ci    ` + textType + ` NOT NULL,
  PRIMARY KEY (entity_name, id, property_id)
);
CREATE INDEX IF NOT EXISTS idx_entitykv_prop_text_lookup ON entitykv_prop_text(entity_name, property_id, value);
CREATE INDEX IF NOT EXISTS idx_entitykv_prop_text_ci     ON entitykv_prop_text(entity_name, property_id, value_ci);

CREATE TABLE IF NOT EXISTS entitykv_prop_int (
  entity_name TEXT NOT NULL,
  id          ` + idType + ` NOT NULL,
  property_id INTEGER NOT NULL,
  value       BIGINT NOT NULL,
  PRIMARY KEY (entity_name, id, property_id)
);
CREATE INDEX IF NOT EXISTS idx_entitykv_prop_int_lookup ON entitykv_prop_int(entity_name, property_id, value);

CREATE TABLE IF NOT EXISTS entitykv_prop_float (
  entity_name TEXT NOT NULL,
  id          ` + idType + ` NOT NULL,
  property_id INTEGER NOT NULL,
  value       ` + floatType + ` NOT NULL,
  PRIMARY KEY (entity_name, id, property_id)
);
CREATE INDEX IF NOT EXISTS idx_entitykv_prop_float_lookup ON entitykv_prop_float(entity_name, property_id, value);
`
}
