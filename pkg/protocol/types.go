package protocol

import "fmt"

// PacketType identifies a request, response or notification
type PacketType int32

// Packet types. The numbering is part of the wire format.
const (
	TypeEmpty PacketType = iota
	TypeRegister
	TypeRegisterResponse
	TypeLogin
	TypeLoginResponse
	TypeLogout
	TypeLogoutResponse
	TypeSendMessage
	TypeSendMessageResponse
	TypeMessageNotification
	TypeViewAllConvos
	TypeViewAllConvosResponse
	TypeViewConversation
	TypeViewConversationResponse
)

// ErrorCode is the outcome reported in a response packet
type ErrorCode int32

// Error codes. ErrStorage is an extension: older clients show it as an unknown error.
const (
	ErrNone ErrorCode = iota
	ErrUserAlreadyExists
	ErrInvalidUserData // unknown user or wrong password
	ErrUserAlreadyConnected
	ErrNotLoggedIn
	ErrNotLoggedOut
	ErrInvalidReplyID
	ErrWrongView
	ErrStorage
)

var packetTypeNames = map[PacketType]string{
	TypeEmpty:                    "EMPTY",
	TypeRegister:                 "REGISTER",
	TypeRegisterResponse:         "REGISTER_RESPONSE",
	TypeLogin:                    "LOGIN",
	TypeLoginResponse:            "LOGIN_RESPONSE",
	TypeLogout:                   "LOGOUT",
	TypeLogoutResponse:           "LOGOUT_RESPONSE",
	TypeSendMessage:              "SEND_MESSAGE",
	TypeSendMessageResponse:      "SEND_MESSAGE_RESPONSE",
	TypeMessageNotification:      "MESSAGE_NOTIFICATION",
	TypeViewAllConvos:            "VIEW_ALL_CONVOS",
	TypeViewAllConvosResponse:    "VIEW_ALL_CONVOS_RESPONSE",
	TypeViewConversation:         "VIEW_CONVERSATION",
	TypeViewConversationResponse: "VIEW_CONVERSATION_RESPONSE",
}

var errorCodeNames = map[ErrorCode]string{
	ErrNone:                 "SUCCESS",
	ErrUserAlreadyExists:    "USER_ALREADY_EXISTS",
	ErrInvalidUserData:      "INVALID_USER_DATA",
	ErrUserAlreadyConnected: "USER_ALREADY_CONNECTED",
	ErrNotLoggedIn:          "NOT_LOGGED_IN",
	ErrNotLoggedOut:         "NOT_LOGGED_OUT",
	ErrInvalidReplyID:       "INVALID_REPLY_ID",
	ErrWrongView:            "WRONG_VIEW",
	ErrStorage:              "STORAGE_ERROR",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// Known reports whether t is one of the defined packet types
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// ResponseType returns the response type paired with a request type.
// Anything that is not a request maps to TypeEmpty.
func (t PacketType) ResponseType() PacketType {
	switch t {
	case TypeRegister, TypeLogin, TypeLogout, TypeSendMessage, TypeViewAllConvos, TypeViewConversation:
		return t + 1
	default:
		return TypeEmpty
	}
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}
