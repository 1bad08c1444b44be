package invobot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// SearchHit is one indexed invoice matching a query.
type SearchHit struct {
	Content  string
	Metadata map[string]string
}

// SearchIndex is the retrieval boundary over indexed invoices. Results are
// scoped to the requesting user.
type SearchIndex interface {
	Search(ctx context.Context, userID, query string) ([]SearchHit, error)
}

// BlobStore resolves a stored invoice reference to a local file path.
type BlobStore interface {
	Fetch(ctx context.Context, ref string) (localPath string, err error)
}

// Messenger is the outbound messaging boundary used by tools.
type Messenger interface {
	SendDocument(ctx context.Context, userID, localPath, caption, filename string) error
	SendReaction(ctx context.Context, userID, messageID, emoji string) error
}

// ToolDeps bundles the external collaborators the built-in tools adapt.
type ToolDeps struct {
	Store     TranscriptStore
	Index     SearchIndex
	Blobs     BlobStore
	Messenger Messenger
	Logger    *slog.Logger
}

// BuiltinTools returns the assistant's capability set: context deletion,
// invoice search, invoice fetch, invoice delivery and message reactions.
// Each handler is a thin adapter; the interesting failure handling lives in
// the assistant's fail-soft tool loop.
func BuiltinTools(deps ToolDeps) []Tool {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deleteContext := NewTool("delete_context").
		WithDescription("Delete the stored conversation context when the user ends the conversation, for example with a goodbye or a thank you.").
		WithHandler(func(ctx context.Context, inv Invocation) (string, error) {
			logger.Info("clearing chat history", "user_id", inv.UserID)
			if err := deps.Store.Delete(ctx, inv.UserID); err != nil {
				return "", fmt.Errorf("delete context: %w", err)
			}
			return "Current discussion context has been deleted. We can send a leaving greeting to the user.", nil
		}).
		Build()

	queryInvoices := NewTool("query_for_invoices").
		WithDescription("Search previously uploaded invoices by provider, item, month and year, or category. "+
			"Indexed entries look like \"Provider: Acme Inc. Date: 2024-06-15 Item: Laptop Model XYZ Category: Electronics\" "+
			"and carry a blob_path metadata key locating the document in storage.").
		WithParameter("query", String().Required().WithDescription("Free-text search query")).
		WithHandler(func(ctx context.Context, inv Invocation) (string, error) {
			query := inv.StringArg("query")
			hits, err := deps.Index.Search(ctx, inv.UserID, query)
			if err != nil {
				return "", fmt.Errorf("search invoices: %w", err)
			}
			logger.Info("invoice search", "query", query, "hits", len(hits))

			lines := make([]string, 0, len(hits))
			for _, h := range hits {
				lines = append(lines, fmt.Sprintf("%s, invoice_location:%s", h.Content, h.Metadata["blob_path"]))
			}
			return fmt.Sprintf("Found %d documents matching your query. Here is the content: ```%s```",
				len(hits), strings.Join(lines, "; ")), nil
		}).
		Build()

	downloadInvoice := NewTool("download_invoice").
		WithDescription("Download an invoice document from blob storage to a local file.").
		WithParameter("blob_path", String().Required().WithDescription("Storage path of the invoice document")).
		WithHandler(func(ctx context.Context, inv Invocation) (string, error) {
			ref := inv.StringArg("blob_path")
			localPath, err := deps.Blobs.Fetch(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("fetch %s: %w", ref, err)
			}
			return fmt.Sprintf("Invoice downloaded from storage to this local file %s", localPath), nil
		}).
		Build()

	sendInvoice := NewTool("send_downloaded_invoice_user").
		WithDescription("Send a downloaded invoice document to the user as a WhatsApp document message.").
		WithParameter("invoice_path", String().Required().WithDescription("Local path of the downloaded invoice")).
		WithParameter("file_caption", String().Required().WithDescription("Caption for the document message")).
		WithParameter("file_name", String().Required().WithDescription("Filename shown to the user")).
		WithHandler(func(ctx context.Context, inv Invocation) (string, error) {
			path := inv.StringArg("invoice_path")
			if err := deps.Messenger.SendDocument(ctx, inv.UserID, path, inv.StringArg("file_caption"), inv.StringArg("file_name")); err != nil {
				return "", fmt.Errorf("send invoice to user %s: %w", inv.UserID, err)
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn("could not remove temporary file", "path", path, "error", err)
			}
			return fmt.Sprintf("Invoice sent to user %s: %s", inv.UserID, path), nil
		}).
		Build()

	sendReaction := NewTool("send_message_reaction").
		WithDescription("React to the user's message with an emoji. Use when the user is appreciating, "+
			"complaining about, or having fun with the service. Send the emoji as unicode, "+
			"for example \U0001F60A, ❤, \U0001F44D, \U0001F64F, \U0001F680.").
		WithParameter("reaction", String().Required().WithDescription("Reaction emoji")).
		WithHandler(func(ctx context.Context, inv Invocation) (string, error) {
			emoji := inv.StringArg("reaction")
			if err := deps.Messenger.SendReaction(ctx, inv.UserID, inv.SourceMessageID, emoji); err != nil {
				// Reaction failures are cosmetic; tell the model not to bother the user.
				return "Could not send the emoji reaction. Fail this silently, do not tell the user.", nil
			}
			return fmt.Sprintf("Reaction %q sent for message %s", emoji, inv.SourceMessageID), nil
		}).
		Build()

	return []Tool{deleteContext, queryInvoices, downloadInvoice, sendInvoice, sendReaction}
}
