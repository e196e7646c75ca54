package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/panchakarma-chat/pkg/dispatch"
	"github.com/mahaj/panchakarma-chat/pkg/model"
	"github.com/mahaj/panchakarma-chat/pkg/store"
)

const me = "u-john"

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type stubFetcher struct {
	convs []model.Conversation
}

func (f stubFetcher) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return f.convs, nil
}

func (f stubFetcher) ListMessages(ctx context.Context, id string) ([]model.Message, error) {
	return nil, nil
}

type recordingSender struct {
	mu     sync.Mutex
	events []string
	bodies []any
}

func (r *recordingSender) Send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.bodies = append(r.bodies, payload)
	return nil
}

func conv(id, name string, at time.Time) model.Conversation {
	return model.Conversation{
		ConversationID: id,
		OtherUser:      model.UserRef{ID: "id-" + id, DisplayName: name},
		LastMessage:    model.LastMessage{Content: "hi", CreatedAt: at},
	}
}

func setup(t *testing.T, convs ...model.Conversation) (*Binding, *store.Store, *dispatch.Dispatcher, *recordingSender) {
	t.Helper()
	tx := &recordingSender{}
	s := store.New(stubFetcher{convs: convs}, tx, me)
	d := dispatch.New(dispatch.WithTypingTimeout(time.Hour))
	dispatch.Bind(d, s)
	require.NoError(t, s.LoadConversations(context.Background()))

	b := New(s, d, tx)
	t.Cleanup(b.Close)
	return b, s, d, tx
}

func drain(b *Binding) {
	for {
		select {
		case <-b.Changes():
		default:
			return
		}
	}
}

func TestFilter(t *testing.T) {
	convs := []model.Conversation{
		conv("a", "Dr. Priya Sharma", t0),
		conv("b", "John Patient", t0),
	}

	got := Filter(convs, "priya")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ConversationID)

	assert.Len(t, Filter(convs, "PRIYA"), 1)
	assert.Len(t, Filter(convs, "  "), 2)
	assert.Empty(t, Filter(convs, "ravi"))
}

func TestViewOrderingAndSearch(t *testing.T) {
	b, _, _, _ := setup(t,
		conv("dm:b", "Dr. Priya Sharma", t0),
		conv("dm:a", "Dr. Priya Nair", t0),
		conv("dm:c", "John Patient", t0.Add(time.Hour)),
	)

	v := b.View()
	var order []string
	for _, c := range v.Conversations {
		order = append(order, c.ConversationID)
	}
	assert.Equal(t, []string{"dm:c", "dm:a", "dm:b"}, order)

	b.SetSearchQuery("priya")
	v = b.View()
	assert.Equal(t, "priya", v.SearchQuery)
	require.Len(t, v.FilteredConversations, 2)
	assert.Equal(t, "dm:a", v.FilteredConversations[0].ConversationID)
	assert.Len(t, v.Conversations, 3)
}

func TestChangesCoalesce(t *testing.T) {
	b, s, d, _ := setup(t)
	drain(b)

	for i := range 5 {
		s.IngestMessage(model.Message{
			ID:         string(rune('1' + i)),
			Sender:     model.Sender{ID: "p-priya", DisplayName: "Dr. Priya Sharma"},
			ReceiverID: me,
			Content:    "ping",
			CreatedAt:  t0.Add(time.Duration(i) * time.Second),
		})
	}
	select {
	case <-b.Changes():
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-b.Changes():
		t.Fatal("notifications were not coalesced")
	default:
	}

	env, err := model.NewEnvelope(model.EventUserTyping, model.TypingPayload{SenderID: "p-priya"})
	require.NoError(t, err)
	d.Dispatch(env)
	<-b.Changes()
	assert.Equal(t, map[string]bool{"p-priya": true}, b.View().IsTyping)

	b.Close()
	d.Dispatch(model.Envelope{Event: model.EventDisconnected})
	s.ReportConnectionError("gone")
	select {
	case <-b.Changes():
		t.Fatal("notified after close")
	default:
	}
}

func TestActions(t *testing.T) {
	b, _, _, tx := setup(t, conv("dm:a", "Dr. Priya Sharma", t0))

	require.NoError(t, b.SelectConversation(context.Background(), "dm:a"))
	v := b.View()
	require.NotNil(t, v.SelectedConversation)
	assert.Equal(t, "dm:a", v.SelectedConversation.ConversationID)

	require.NoError(t, b.SendMessage("id-dm:a", "   "))
	require.NoError(t, b.StartTyping("id-dm:a"))
	require.NoError(t, b.StopTyping("id-dm:a"))
	require.NoError(t, b.StartTyping(""))
	require.NoError(t, b.SendMessage("id-dm:a", "See you at 10"))

	assert.Equal(t, []string{model.EventTypingStart, model.EventTypingStop, model.EventSendMessage}, tx.events)
	assert.Equal(t, model.TypingTargetPayload{ReceiverID: "id-dm:a"}, tx.bodies[0])
	assert.Equal(t, "dm:a", tx.bodies[2].(model.SendMessagePayload).ConversationID)
}
