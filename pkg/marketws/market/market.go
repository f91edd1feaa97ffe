// Package market binds the marketplace's socket routes to typed Go handlers and
// request endpoints.
package market

import (
	"time"
)

const (
	RouteOrderUpdate   = "@wfm|orders/update"
	RouteChatMessage   = "@wfm|chat/message"
	RouteAuctionUpdate = "@wfm|auctions/update"
	RouteUserStatus    = "@wfm|user/status"

	RouteSetStatus = "@wfm|user/set-status"
	RouteSendChat  = "@wfm|chat/send"
)

// Status is a user's presence.
type Status string

const (
	StatusOnline    Status = "online"
	StatusInGame    Status = "ingame"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusInGame, StatusInvisible, StatusOffline:
		return true
	}
	return false
}

type OrderUpdate struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ItemID    string    `json:"itemId"`
	Platinum  int       `json:"platinum"`
	Quantity  int       `json:"quantity"`
	Rank      *int      `json:"rank,omitempty"`
	Visible   bool      `json:"visible"`
	UserID    string    `json:"userId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ChatMessage struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chatId"`
	SenderID string    `json:"senderId"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

type AuctionUpdate struct {
	ID          string    `json:"id"`
	StartingBid int       `json:"startingBid"`
	TopBid      *int      `json:"topBid,omitempty"`
	BuyoutPrice *int      `json:"buyoutPrice,omitempty"`
	Closed      bool      `json:"closed"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type UserStatus struct {
	UserID string `json:"userId,omitempty"`
	Status Status `json:"status"`
}

type SetStatusRequest struct {
	Status Status `json:"status"`
}

type SendChatRequest struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// Ack is the generic reply to a request.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
