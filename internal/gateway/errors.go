package gateway

// Client-facing error codes carried in the error frame's msg field.
const (
	CodeInvalidUserID    = "invalid_user_id"
	CodeInvalidRoomID    = "invalid_room_id"
	CodeEmptyMessage     = "empty_message"
	CodeMessageTooLong   = "message_too_long"
	CodeRateLimited      = "rate_limit_exceeded"
	CodeRoomFull         = "room_full"
	CodeProcessingFailed = "message_processing_failed"
	CodeAlreadyInRoom    = "already_in_room"
	CodeNotInRoom        = "not_in_room"
)
