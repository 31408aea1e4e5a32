package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the VerifAI MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolProcessTransaction = mcp.NewTool("process_transaction",
	mcp.WithDescription(
		"Score a card transaction for fraud and get the decision. "+
			"Returns the fraud probability, risk level, decision (APPROVE, HOLD, BLOCK or MANUAL_REVIEW) "+
			"and the actions taken. A HOLD needs the cardholder's answer via verify_transaction."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The cardholder's user ID")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transaction amount, must be positive (e.g. 129.99)")),
	mcp.WithString("merchant",
		mcp.Required(),
		mcp.Description("Merchant name")),
	mcp.WithString("merchant_category",
		mcp.Description("Merchant category (e.g. 'GROCERY', 'ELECTRONICS', 'CRYPTO')")),
	mcp.WithString("transaction_id",
		mcp.Description("Optional caller-chosen transaction ID. Generated when omitted.")),
	mcp.WithString("device_type",
		mcp.Description("Device used (e.g. 'mobile', 'desktop')")),
	mcp.WithBoolean("is_new_device",
		mcp.Description("Whether the device has not been seen for this user before")),
	mcp.WithNumber("lat",
		mcp.Description("Latitude of the transaction location")),
	mcp.WithNumber("lon",
		mcp.Description("Longitude of the transaction location")),
)

var ToolVerifyTransaction = mcp.NewTool("verify_transaction",
	mcp.WithDescription(
		"Record the cardholder's answer to a verification request for a held transaction. "+
			"Answering false (the user did not make it) confirms the transaction as fraud."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID returned by process_transaction")),
	mcp.WithBoolean("user_confirmed",
		mcp.Required(),
		mcp.Description("true if the cardholder made the transaction, false if they did not")),
)

var ToolGetTransactionStatus = mcp.NewTool("get_transaction_status",
	mcp.WithDescription(
		"Look up the decision for a processed transaction, with any verification feedback and its audit trail."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
)

var ToolGetUserHistory = mcp.NewTool("get_user_history",
	mcp.WithDescription(
		"List the transactions retained for a user, oldest first. "+
			"This is the history the fraud features are computed from."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The cardholder's user ID")),
)

var ToolGetAccountStatus = mcp.NewTool("get_account_status",
	mcp.WithDescription(
		"Check whether a user's account is frozen after a blocked transaction."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The cardholder's user ID")),
)

var ToolGetLearningLog = mcp.NewTool("get_learning_log",
	mcp.WithDescription(
		"Read recent decisions from the learning log, oldest first. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous get_learning_log call")),
)

var ToolUnfreezeAccount = mcp.NewTool("unfreeze_account",
	mcp.WithDescription(
		"Lift the freeze on a user's account. Requires the server's admin secret to be configured."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The cardholder's user ID")),
)
