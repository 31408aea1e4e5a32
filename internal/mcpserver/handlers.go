package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *VerifAIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *VerifAIClient) *Handlers {
	return &Handlers{client: client}
}

// HandleProcessTransaction scores a transaction and reports the decision.
func (h *Handlers) HandleProcessTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	merchant := req.GetString("merchant", "")
	if merchant == "" {
		return mcp.NewToolResultError("merchant is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number"), nil
	}

	tx := TransactionInput{
		ID:               req.GetString("transaction_id", ""),
		UserID:           userID,
		Amount:           amount,
		Merchant:         merchant,
		MerchantCategory: req.GetString("merchant_category", ""),
		DeviceType:       req.GetString("device_type", ""),
		IsNewDevice:      req.GetBool("is_new_device", false),
	}
	args := req.GetArguments()
	_, hasLat := args["lat"]
	_, hasLon := args["lon"]
	if hasLat && hasLon {
		tx.Location = &Location{Lat: req.GetFloat("lat", 0), Lon: req.GetFloat("lon", 0)}
	}

	raw, err := h.client.ProcessTransaction(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to process transaction: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyTransaction records the cardholder's verification answer.
func (h *Handlers) HandleVerifyTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	if _, ok := req.GetArguments()["user_confirmed"]; !ok {
		return mcp.NewToolResultError("user_confirmed is required"), nil
	}
	confirmed := req.GetBool("user_confirmed", false)

	raw, err := h.client.VerifyTransaction(ctx, txID, confirmed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record verification: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verification recorded for %s\n", getString(m, "transactionId"))
	if v := getString(m, "status"); v != "" {
		fmt.Fprintf(&sb, "  Status: %s\n", v)
	}
	if fraud, ok := m["fraudConfirmed"].(bool); ok && fraud {
		sb.WriteString("  Outcome: FRAUD CONFIRMED (cardholder did not make this transaction)\n")
	} else {
		sb.WriteString("  Outcome: Legitimate (cardholder confirmed)\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetTransactionStatus returns a stored decision with its follow-up.
func (h *Handlers) HandleGetTransactionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	var resp struct {
		Transaction json.RawMessage  `json:"transaction"`
		Feedback    []map[string]any `json:"feedback"`
		Audit       []map[string]any `json:"audit"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Transaction) == 0 {
		return mcp.NewToolResultError("Failed to parse transaction status"), nil
	}

	text, err := formatAssessment(resp.Transaction)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(text)
	if len(resp.Feedback) == 0 {
		sb.WriteString("\nNo verification feedback yet.\n")
	} else {
		sb.WriteString("\nVerification feedback:\n")
		for _, f := range resp.Feedback {
			confirmed, _ := f["confirmed"].(bool)
			fmt.Fprintf(&sb, "  - user confirmed: %t (recorded %s)\n", confirmed, getString(f, "receivedAt"))
		}
	}
	if len(resp.Audit) > 0 {
		fmt.Fprintf(&sb, "\nAudit trail (%d event(s)):\n", len(resp.Audit))
		for _, e := range resp.Audit {
			fmt.Fprintf(&sb, "  - [%s] %s\n", getString(e, "severity"), getString(e, "type"))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetUserHistory lists the user's retained transactions.
func (h *Handlers) HandleGetUserHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetUserHistory(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	var resp struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	if len(resp.Transactions) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No transactions on record for %s.", userID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s) for %s:\n\n", len(resp.Transactions), userID)
	for i, tx := range resp.Transactions {
		amount, _ := getFloat(tx, "amount")
		fmt.Fprintf(&sb, "%d. %s  %.2f at %s", i+1, getString(tx, "id"), amount, getString(tx, "merchant"))
		if c := getString(tx, "merchantCategory"); c != "" {
			fmt.Fprintf(&sb, " (%s)", c)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetAccountStatus reports whether an account is frozen.
func (h *Handlers) HandleGetAccountStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetFreezeStatus(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account status: %v", err)), nil
	}

	var resp struct {
		Frozen bool           `json:"frozen"`
		Freeze map[string]any `json:"freeze"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account status: %v", err)), nil
	}
	if !resp.Frozen {
		return mcp.NewToolResultText(fmt.Sprintf("Account %s is active.", userID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s is FROZEN\n", userID)
	if resp.Freeze != nil {
		if v := getString(resp.Freeze, "transactionId"); v != "" {
			fmt.Fprintf(&sb, "  Blocked transaction: %s\n", v)
		}
		if v := getString(resp.Freeze, "reason"); v != "" {
			fmt.Fprintf(&sb, "  Reason: %s\n", v)
		}
		if v := getString(resp.Freeze, "frozenAt"); v != "" {
			fmt.Fprintf(&sb, "  Since: %s\n", v)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetLearningLog pages through recent decisions.
func (h *Handlers) HandleGetLearningLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 20))
	cursor := req.GetString("cursor", "")

	raw, err := h.client.GetLearningLog(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get learning log: %v", err)), nil
	}

	var resp struct {
		Records    []map[string]any `json:"records"`
		Total      int              `json:"total"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse learning log: %v", err)), nil
	}
	if len(resp.Records) == 0 {
		return mcp.NewToolResultText("No decisions recorded yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Showing %d of %d decision(s):\n\n", len(resp.Records), resp.Total)
	for _, r := range resp.Records {
		fmt.Fprintf(&sb, "- %s  user=%s  %s  p=%s\n",
			getString(r, "transactionId"), getString(r, "userId"),
			getString(r, "decision"), formatProbability(r["fraudProbability"]))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore available, cursor: %s\n", resp.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleUnfreezeAccount lifts a freeze using the admin secret.
func (h *Handlers) HandleUnfreezeAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	if _, err := h.client.UnfreezeAccount(ctx, userID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to unfreeze account: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %s unfrozen.", userID)), nil
}

// --- Formatting helpers ---

func formatAssessment(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	if getString(m, "decision") == "" {
		return "", fmt.Errorf("no decision in response: %s", string(raw))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s: %s\n", getString(m, "transactionId"), getString(m, "decision"))
	if amount, ok := getFloat(m, "amount"); ok {
		fmt.Fprintf(&sb, "  Amount: %.2f at %s\n", amount, getString(m, "merchant"))
	}
	fmt.Fprintf(&sb, "  Fraud probability: %s\n", formatProbability(m["fraudProbability"]))
	fmt.Fprintf(&sb, "  Risk level: %s\n", getString(m, "riskLevel"))
	if v := getString(m, "reason"); v != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", v)
	}
	if acts, ok := m["actions"].([]any); ok && len(acts) > 0 {
		names := make([]string, 0, len(acts))
		for _, a := range acts {
			if s, ok := a.(string); ok {
				names = append(names, s)
			}
		}
		fmt.Fprintf(&sb, "  Actions: %s\n", strings.Join(names, ", "))
	}
	if floors, ok := m["floorRules"].([]any); ok && len(floors) > 0 {
		fmt.Fprintf(&sb, "  Floor rules applied: %v\n", floors)
	}
	if degraded, _ := m["degraded"].(bool); degraded {
		sb.WriteString("  Note: scored without the primary model (degraded)\n")
	}
	if confirm, _ := m["requiresConfirmation"].(bool); confirm {
		sb.WriteString("\nAwaiting cardholder confirmation. Use verify_transaction with this transaction_id.\n")
	}
	return sb.String(), nil
}

// formatProbability renders a JSON probability; null means the model
// produced no usable score.
func formatProbability(v any) string {
	f, ok := v.(float64)
	if !ok {
		return "unavailable"
	}
	return fmt.Sprintf("%.1f%%", f*100)
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
