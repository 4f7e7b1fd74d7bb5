package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chatsync/domain"
	apperrors "chatsync/errors"
)

func Test_Decode_New_Message_With_Sender_Object(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"new_message","payload":{
		"_id":"m1","conversationId":"c1",
		"sender":{"_id":"u1","name":"Alice"},
		"type":"text","content":"hello",
		"createdAt":"2025-06-01T12:00:00Z","serverSeq":7}}`

	evt, err := Decode([]byte(frame))
	req.NoError(err)

	nm, ok := evt.(NewMessage)
	req.True(ok)
	req.Equal("m1", nm.Message.ID)
	req.Equal("u1", nm.Message.SenderID)
	req.Equal(domain.StatusSent, nm.Message.Status)
	req.EqualValues(7, nm.Message.ServerSeq)
}

func Test_Decode_New_Message_With_Sender_String(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"new_message","payload":{
		"_id":"m1","conversationId":"c1","sender":"u1",
		"type":"text","content":"hello","createdAt":"2025-06-01T12:00:00Z"}}`

	evt, err := Decode([]byte(frame))
	req.NoError(err)
	req.Equal("u1", evt.(NewMessage).Message.SenderID)
}

func Test_Decode_Rejects_Missing_Required_Fields(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"new_message","payload":{"content":"hello"}}`
	_, err := Decode([]byte(frame))
	req.ErrorIs(err, apperrors.ErrMalformedEvent)
}

func Test_Decode_Rejects_Unknown_Message_Type(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"new_message","payload":{
		"_id":"m1","conversationId":"c1","sender":"u1",
		"type":"hologram","content":"x","createdAt":"2025-06-01T12:00:00Z"}}`
	_, err := Decode([]byte(frame))
	req.ErrorIs(err, apperrors.ErrMalformedEvent)
}

func Test_Decode_Rejects_Unknown_Event_Name(t *testing.T) {
	req := require.New(t)

	_, err := Decode([]byte(`{"event":"quantum_entangle","payload":{}}`))
	req.ErrorIs(err, apperrors.ErrUnknownEvent)
}

func Test_Decode_Rejects_Invalid_Json(t *testing.T) {
	req := require.New(t)

	_, err := Decode([]byte(`{"event":`))
	req.ErrorIs(err, apperrors.ErrMalformedEvent)
}

func Test_Decode_Message_Read_Requires_Ids(t *testing.T) {
	req := require.New(t)

	evt, err := Decode([]byte(`{"event":"message_read","payload":{"messageIds":["m1","m2"]}}`))
	req.NoError(err)
	req.Equal([]string{"m1", "m2"}, evt.(MessageRead).MessageIDs)

	_, err = Decode([]byte(`{"event":"message_read","payload":{"messageIds":[]}}`))
	req.ErrorIs(err, apperrors.ErrMalformedEvent)
}

func Test_Decode_User_Typing(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"user_typing","payload":{"conversationId":"c1","userId":"u1","isTyping":true}}`
	evt, err := Decode([]byte(frame))
	req.NoError(err)

	ut := evt.(UserTyping)
	req.Equal("c1", ut.ConversationID)
	req.True(ut.IsTyping)
}

func Test_Decode_Status_Change_With_And_Without_User(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"user_status_change","payload":{
		"userId":"u1","status":"online","user":{"_id":"u1","name":"Alice"}}}`
	evt, err := Decode([]byte(frame))
	req.NoError(err)
	sc := evt.(UserStatusChange)
	req.NotNil(sc.User)
	req.Equal("Alice", sc.User.DisplayName)

	frame = `{"event":"user_status_change","payload":{"userId":"u1","status":"offline"}}`
	evt, err = Decode([]byte(frame))
	req.NoError(err)
	req.Nil(evt.(UserStatusChange).User)
}

func Test_Decode_Conversation_Created(t *testing.T) {
	req := require.New(t)

	frame := `{"event":"conversation_created","payload":{"conversation":{
		"_id":"c9","correlationId":"corr-1","type":"group",
		"members":["u1","u2"],"name":"Plans"}}}`
	evt, err := Decode([]byte(frame))
	req.NoError(err)

	conv := evt.(ConversationCreated).Conversation
	req.Equal("c9", conv.ID)
	req.Equal("corr-1", conv.CorrelationID)
	req.Equal(domain.ConversationGroup, conv.Kind)
}

func Test_Decode_Lifecycle_Events(t *testing.T) {
	req := require.New(t)

	evt, err := Decode([]byte(`{"event":"authenticated","payload":{"userId":"u1"}}`))
	req.NoError(err)
	req.Equal("u1", evt.(Authenticated).UserID)

	evt, err = Decode([]byte(`{"event":"disconnect","payload":{"reason":"server shutdown"}}`))
	req.NoError(err)
	req.Equal("server shutdown", evt.(Disconnected).Reason)

	evt, err = Decode([]byte(`{"event":"error","payload":{"message":"rate limited"}}`))
	req.NoError(err)
	req.Equal("rate limited", evt.(ServerError).Message)
}
