package models

import "time"

// ChainTransfer is an inbound transfer as reported by a chain data source
type ChainTransfer struct {
	Id            string
	Status        string
	Symbol        string
	Amount        string
	Network       string
	ToAddress     string
	ToAccountId   string
	ChainTxId     string
	Confirmations int
	Confirmed     bool
	CreatedAt     time.Time
}

// Observation is the latest known state of funds sent to a pending payment address
type Observation struct {
	Found          bool
	Confirmed      bool
	Confirmations  int
	ReceivedAmount int64
	Coin           string
	ChainReference string
}
