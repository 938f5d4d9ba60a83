package internal

const (
	HeaderUserID       = "user_id"
	HeaderConnectionID = "connection_id"
	HeaderShardID      = "shard_id"
	HeaderMessageKind  = "message_kind"

	// Dead-letter queue headers
	HeaderDLQOriginalQueue = "dlq_original_queue"
	HeaderDLQErrorMessage  = "dlq_error_message"
)
