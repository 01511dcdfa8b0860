package relaymsg

type ErrorCode string

const (
	CodeBadRequest    ErrorCode = "bad_request"
	CodeUnknownGroup  ErrorCode = "unknown_group"
	CodeStorageFailed ErrorCode = "storage_failed"
	CodeNotFound      ErrorCode = "not_found"
	CodeInternalError ErrorCode = "internal_error"
)

type Error struct {
	Code    ErrorCode `json:"cod" msgpack:"cod"`
	Message string    `json:"msg" msgpack:"msg"`
	Path    string    `json:"pth,omitempty" msgpack:"pth,omitempty"`
}

func NewErrorMessage(code ErrorCode, message string, path string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgError,
		Data: &Error{
			Code:    code,
			Message: message,
			Path:    path,
		},
	}
}
