// Package ledger tracks per-user download credits. Credits are reserved up
// front when a job enters processing and refunded when the job fails for
// reasons outside the user's control.
package ledger
