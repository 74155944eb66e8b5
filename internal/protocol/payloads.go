package protocol

import "encoding/json"

// Outbound payloads.

// HelloPayload opens the application handshake after the socket connects.
type HelloPayload struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client software to the server.
type ClientInfo struct {
	UserAgent string `json:"userAgent"`
}

// JoinPayload enters an auction room. The same shape is used for LEAVE_AUCTION.
type JoinPayload struct {
	TenantID  string `json:"tenantId"`
	AuctionID string `json:"auctionId"`
}

// PlaceBidPayload submits a bid. CorrelationID is client-generated and unique
// per logical submission attempt.
type PlaceBidPayload struct {
	TenantID      string `json:"tenantId"`
	AuctionID     string `json:"auctionId"`
	AuctionItemID string `json:"auctionItemId"`
	Amount        int64  `json:"amount"`
	CorrelationID string `json:"correlationId"`
}

// Inbound payloads.

// JoinedPayload acknowledges a JOIN_AUCTION and seeds the room snapshot.
type JoinedPayload struct {
	ParticipantCount *int            `json:"participantCount,omitempty"`
	ServerTimeMs     *int64          `json:"serverTimeMs,omitempty"`
	Auction          json.RawMessage `json:"auction,omitempty"`
	AuctionItems     []AuctionItem   `json:"auctionItems,omitempty"`
}

// AuctionItem is the per-item seed data carried by JOINED.
type AuctionItem struct {
	ID            string `json:"id"`
	HighestBid    int64  `json:"highestBid"`
	HighestBidder string `json:"highestBidder,omitempty"`
	EndTimeIso    string `json:"endTime,omitempty"`
}

// ParticipantCountPayload updates the shared room counter.
type ParticipantCountPayload struct {
	Count int `json:"count"`
}

// BidEvent announces an accepted bid. BidID is server-assigned and is the
// authoritative de-duplication key; CorrelationID, when it matches a locally
// generated one, lets the origin client resolve its own pending state.
type BidEvent struct {
	AuctionItemID string `json:"auctionItemId"`
	Amount        int64  `json:"amount"`
	BidderID      string `json:"bidderId"`
	BidderName    string `json:"bidderName,omitempty"`
	BidID         string `json:"bidId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	ServerTimeMs  *int64 `json:"serverTimeMs,omitempty"`
}

// BidRejectedPayload reports a business-level rejection of one bid.
type BidRejectedPayload struct {
	AuctionItemID string `json:"auctionItemId"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// TimeExtensionEvent extends the auction clock. When AuctionItemID is empty
// the extension applies to the whole auction, otherwise to that item only.
type TimeExtensionEvent struct {
	AuctionID        string `json:"auctionId"`
	AuctionItemID    string `json:"auctionItemId,omitempty"`
	NewEndTimeIso    string `json:"newEndTimeIso"`
	ExtensionSeconds int    `json:"extensionSeconds"`
	ServerTimeMs     *int64 `json:"serverTimeMs,omitempty"`
}

// StatusChangedPayload signals that the auction lifecycle state moved and the
// client should resync its view.
type StatusChangedPayload struct {
	Status string `json:"status"`
}

// ErrorPayload carries a server-reported error. Some codes are fatal to the
// current session (see IsAuthFatal).
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Auth-failure codes that make the current connection attempt unrecoverable.
// The caller must refresh credentials rather than retry.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeUnauthorized    = "unauthorized"
	CodeInvalidToken    = "invalid_token"
)

// IsAuthFatal reports whether an ERROR frame must force-close the transport.
func (e ErrorPayload) IsAuthFatal() bool {
	switch e.Code {
	case CodeUnauthenticated, CodeUnauthorized, CodeInvalidToken:
		return true
	}
	return false
}
