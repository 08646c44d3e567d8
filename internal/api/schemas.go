package api

const dateProperty = `{"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}`

const bondSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "isin", "currency", "unit_value", "coupon_rate", "issuance_date", "maturity_date"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "isin": {"type": "string", "pattern": "^[A-Z]{2}[A-Z0-9]{9}[0-9]$"},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "unit_value": {"type": "integer", "minimum": 1},
    "coupon_rate": {"type": "integer", "minimum": 0},
    "rate_scale": {"type": "integer", "minimum": 0},
    "creation_date": ` + dateProperty + `,
    "issuance_date": ` + dateProperty + `,
    "maturity_date": ` + dateProperty + `,
    "cut_off_time": {"type": "string", "pattern": "^[0-9]{2}:[0-9]{2}(:[0-9]{2})?$"},
    "expected_supply": {"type": "integer", "minimum": 0},
    "coupon_dates": {"type": "array", "items": ` + dateProperty + `}
  }
}`

const expectedSupplySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["expected_supply"],
  "properties": {
    "expected_supply": {"type": "integer", "minimum": 0}
  }
}`

const statusSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["make_ready", "revert_ready", "issue"]}
  }
}`

const couponDateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["date"],
  "properties": {
    "date": ` + dateProperty + `
  }
}`

const quantitySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["quantity"],
  "properties": {
    "quantity": {"type": "integer", "minimum": 1}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from", "to", "quantity"],
  "properties": {
    "from": {"type": "string", "minLength": 1, "maxLength": 128},
    "to": {"type": "string", "minLength": 1, "maxLength": 128},
    "quantity": {"type": "integer", "minimum": 1}
  }
}`

const instrumentSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["kind", "date", "record_date"],
  "properties": {
    "kind": {"type": "string", "enum": ["coupon", "redemption"]},
    "date": ` + dateProperty + `,
    "record_date": ` + dateProperty + `,
    "nb_days": {"type": "integer", "minimum": 0},
    "cut_off_time": {"type": "integer", "minimum": 0, "maximum": 86399}
  }
}`

const nbDaysSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["nb_days"],
  "properties": {
    "nb_days": {"type": "integer", "minimum": 0}
  }
}`

const roleSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account", "role"],
  "properties": {
    "account": {"type": "string", "minLength": 1, "maxLength": 128},
    "role": {"type": "string", "enum": ["issuer_admin", "distributor", "custodian", "paying_agent"]}
  }
}`

const whitelistSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["list", "account"],
  "properties": {
    "list": {"type": "string", "enum": ["investor", "caller"]},
    "account": {"type": "string", "minLength": 1, "maxLength": 128}
  }
}`

func schemaSources() map[string]string {
	return map[string]string{
		"bond":            bondSchema,
		"expected_supply": expectedSupplySchema,
		"status":          statusSchema,
		"coupon_date":     couponDateSchema,
		"quantity":        quantitySchema,
		"transfer":        transferSchema,
		"instrument":      instrumentSchema,
		"nb_days":         nbDaysSchema,
		"role":            roleSchema,
		"whitelist":       whitelistSchema,
	}
}
