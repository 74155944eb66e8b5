// Package bidding holds pure bid-decision helpers used by callers before
// they reach the submission gateway.
package bidding

// IsSelfReinforcing reports whether the current user already holds the
// highest bid, in which case a further bid would only raise their own price.
// Advisory only: the caller should require explicit confirmation, but the
// server remains free to accept or reject the bid on its own merits.
func IsSelfReinforcing(lastBidderID, currentUserID string) bool {
	return lastBidderID != "" && currentUserID != "" && lastBidderID == currentUserID
}

// NextAmount returns the minimum amount that beats the current highest bid
// under the room's increment.
func NextAmount(highestBid, increment int64) int64 {
	return highestBid + increment
}
