package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mahaj/panchakarma-chat/pkg/api"
	"github.com/mahaj/panchakarma-chat/pkg/model"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "test_user", "user to log in as")
	peer := flag.String("peer", "test_practitioner", "other participant of the history to fetch")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := api.NewClient(*apiAddr, api.WithHistoryLimit(20))

	// 1. Login
	token, err := client.Login(ctx, api.LoginRequest{UserID: *userID, Role: model.RolePatient})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Token: %s...\n", token[:10])
	client.SetToken(token)

	// 2. Conversations
	convs, err := client.ListConversations(ctx)
	if err != nil {
		log.Fatal("Conversations request failed:", err)
	}
	log.Printf("Conversations: %d", len(convs))
	for _, c := range convs {
		log.Printf("  %s with %s, %d unread, last %q", c.ConversationID, c.OtherUser.DisplayName, c.UnreadCount, c.LastMessage.Content)
	}

	// 3. History for one DM
	convID := model.DirectConversationID(*userID, *peer)
	log.Printf("Fetching history for %s...", convID)
	msgs, err := client.ListMessages(ctx, convID)
	if err != nil {
		log.Fatal("History request failed:", err)
	}
	for _, m := range msgs {
		log.Printf("  [%s] %s: %s", m.CreatedAt.Format(time.RFC3339), m.Sender.DisplayName, m.Content)
	}

	// 4. Presence
	online, err := client.OnlineUsers(ctx)
	if err != nil {
		log.Fatal("Presence request failed:", err)
	}
	log.Printf("Online: %v", online)
}
