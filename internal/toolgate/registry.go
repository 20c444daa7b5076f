// Package toolgate implements the gated tool registry for verified users.
//
// Tools are an explicit allowlist: only tools registered here can be invoked,
// every call is schema-validated first, and the workflow engine only reaches
// this package for users at the ACTIVE step.
package toolgate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mlground/onboard/internal/models"
)

// Handler executes a validated tool call. Arguments have already passed
// schema validation when a handler runs.
type Handler func(userID string, args map[string]interface{}) (interface{}, error)

// tool pairs a declared schema with its handler.
type tool struct {
	name        string
	description string
	schema      models.ToolSchema
	handler     Handler
}

// Registry is the allowlist of invocable tools.
type Registry struct {
	tools map[string]tool
}

// NewRegistry creates a registry with the builtin appointment tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]tool)}
	r.registerBuiltinTools()
	return r
}

// Register adds a tool to the allowlist. Later registrations with the same
// name replace earlier ones.
func (r *Registry) Register(name, description string, schema models.ToolSchema, handler Handler) {
	r.tools[name] = tool{name: name, description: description, schema: schema, handler: handler}
	slog.Info("Registry.Register: tool registered", "tool", name)
}

// Definition describes a registered tool for function-calling clients.
type Definition struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  models.ToolSchema `json:"parameters"`
}

// Definitions returns the declared schema of every registered tool.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{Name: t.name, Description: t.description, Parameters: t.schema})
	}
	return defs
}

// Invoke validates and executes a tool call for a user. Validation failures
// and handler errors both come back as unsuccessful results, never panics.
func (r *Registry) Invoke(userID string, call models.ToolCall) models.ToolResult {
	t, ok := r.tools[call.Name]
	if !ok {
		slog.Warn("Registry.Invoke: unknown tool", "tool", call.Name, "userID", userID)
		return models.ToolResult{Success: false, Error: fmt.Sprintf("tool %q not found in registry", call.Name)}
	}

	args, err := call.DecodeArguments()
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	if err := t.schema.Validate(args); err != nil {
		slog.Warn("Registry.Invoke: schema validation failed", "tool", call.Name, "error", err)
		return models.ToolResult{Success: false, Error: err.Error()}
	}

	slog.Info("Registry.Invoke: executing tool", "tool", call.Name, "userID", userID)
	data, err := t.handler(userID, args)
	if err != nil {
		slog.Error("Registry.Invoke: tool execution failed", "tool", call.Name, "error", err)
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	return models.ToolResult{Success: true, Data: data}
}

// registerBuiltinTools wires the appointment tools.
func (r *Registry) registerBuiltinTools() {
	r.Register("schedule_appointment", "Schedule an appointment for the user", models.ToolSchema{
		Type: "object",
		Properties: map[string]models.PropertySpec{
			"date":             {Type: "string", Description: "Appointment date in YYYY-MM-DD format"},
			"time":             {Type: "string", Description: "Appointment time in HH:MM format (24-hour)"},
			"purpose":          {Type: "string", Description: "Purpose of the appointment"},
			"duration_minutes": {Type: "integer", Description: "Expected duration in minutes"},
		},
		Required: []string{"date", "time", "purpose"},
	}, handleScheduleAppointment)

	r.Register("get_available_slots", "Get available appointment slots for a date", models.ToolSchema{
		Type: "object",
		Properties: map[string]models.PropertySpec{
			"date": {Type: "string", Description: "Date in YYYY-MM-DD format"},
		},
		Required: []string{"date"},
	}, handleGetAvailableSlots)

	r.Register("cancel_appointment", "Cancel an existing appointment", models.ToolSchema{
		Type: "object",
		Properties: map[string]models.PropertySpec{
			"appointment_id": {Type: "string", Description: "The ID of the appointment to cancel"},
		},
		Required: []string{"appointment_id"},
	}, handleCancelAppointment)
}

// handleScheduleAppointment confirms a booking. There is no calendar backend;
// the handler fabricates a confirmed appointment the way a demo booking
// service would.
func handleScheduleAppointment(userID string, args map[string]interface{}) (interface{}, error) {
	duration := 30
	if d, ok := args["duration_minutes"].(float64); ok {
		duration = int(d)
	}
	date, _ := args["date"].(string)
	timeOfDay, _ := args["time"].(string)
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("date must be in YYYY-MM-DD format")
	}
	if _, err := time.Parse("15:04", timeOfDay); err != nil {
		return nil, fmt.Errorf("time must be in HH:MM format")
	}

	return map[string]interface{}{
		"appointment_id":   "apt_" + uuid.New().String(),
		"date":             date,
		"time":             timeOfDay,
		"purpose":          args["purpose"],
		"duration_minutes": duration,
		"status":           "confirmed",
		"confirmation":     fmt.Sprintf("Appointment scheduled for %s at %s", date, timeOfDay),
	}, nil
}

func handleGetAvailableSlots(userID string, args map[string]interface{}) (interface{}, error) {
	date, _ := args["date"].(string)
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("date must be in YYYY-MM-DD format")
	}

	slots := []map[string]interface{}{}
	for _, t := range []string{"09:00", "10:00", "11:00", "14:00", "15:00", "16:00"} {
		slots = append(slots, map[string]interface{}{"time": t, "duration_minutes": 30})
	}
	return map[string]interface{}{"date": date, "available_slots": slots}, nil
}

func handleCancelAppointment(userID string, args map[string]interface{}) (interface{}, error) {
	id, _ := args["appointment_id"].(string)
	return map[string]interface{}{
		"appointment_id": id,
		"status":         "cancelled",
		"confirmation":   fmt.Sprintf("Appointment %s has been cancelled", id),
	}, nil
}
