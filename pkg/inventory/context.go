package inventory

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUser returns a context carrying the acting user ID
// 操作ユーザーIDをコンテキストに設定
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserFromContext extracts user ID from context, "system" when absent
// コンテキストからユーザーIDを取得
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}
