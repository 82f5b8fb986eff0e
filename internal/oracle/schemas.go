package oracle

// JSON Schemas for the three structured oracle replies. Validation happens
// before any reply is parsed into typed structs; a reply failing its schema
// counts as oracle unavailability.

const plannerSchema = `{
  "type": "object",
  "required": ["plan"],
  "properties": {
    "plan": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "steps": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["step_id", "intent"],
            "properties": {
              "step_id": {"type": "string", "minLength": 1},
              "intent": {
                "type": "string",
                "enum": [
                  "create_event", "update_event", "cancel_event",
                  "create_task", "update_task", "cancel_task",
                  "summarize", "meta.clarify"
                ]
              },
              "hint": {"type": "string"},
              "args": {"type": "object"},
              "query_window": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["start_date", "end_date"],
                  "properties": {
                    "start_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
                    "end_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
                  }
                }
              },
              "depends_on": {"type": "array", "items": {"type": "string"}},
              "on_fail": {"type": "string", "enum": ["stop", "continue"]}
            }
          }
        }
      }
    },
    "confidence": {"type": "number"}
  }
}`

const extractorSchema = `{
  "type": "object",
  "required": ["args"],
  "properties": {
    "args": {"type": "object"},
    "confidence": {"type": "number"}
  }
}`

const resolverSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["select_event", "expand_context", "ask_user"]},
    "selected_id": {"type": "string"},
    "window": {
      "type": "object",
      "required": ["start_date", "end_date"],
      "properties": {
        "start_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
        "end_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
      }
    },
    "reason": {"type": "string"}
  }
}`
