package records

import (
	"fmt"
	"time"
)

// Entity names one of the columnar datasets.
type Entity string

const (
	EntityBlocks       Entity = "blocks"
	EntityRewards      Entity = "rewards"
	EntityTransactions Entity = "transactions"
)

// Entities lists every dataset in the order files are written.
var Entities = []Entity{EntityBlocks, EntityRewards, EntityTransactions}

// ParseEntity validates an entity name.
func ParseEntity(s string) (Entity, error) {
	switch Entity(s) {
	case EntityBlocks, EntityRewards, EntityTransactions:
		return Entity(s), nil
	}
	return "", fmt.Errorf("unknown entity %q", s)
}

// Row is implemented by every columnar row type. Partitioning uses the slot
// and the block time of each row.
type Row interface {
	SlotNumber() uint64
	Timestamp() int64
}

// BlockRow is one row per slot, including skipped and empty slots.
type BlockRow struct {
	Slot              int64     `parquet:"slot"`
	Blockhash         string    `parquet:"blockhash"`
	PreviousBlockhash string    `parquet:"previousBlockhash"`
	ParentSlot        int64     `parquet:"parentSlot"`
	BlockHeight       int64     `parquet:"blockHeight"`
	BlockTime         int64     `parquet:"blockTime"`
	BlockDT           time.Time `parquet:"block_dt,timestamp(millisecond)"`
	Status            string    `parquet:"status"`
	Code              int64     `parquet:"code"`
	Message           string    `parquet:"message"`
	CollectedAt       time.Time `parquet:"collected_at,timestamp(millisecond)"`
}

func (r BlockRow) SlotNumber() uint64 { return uint64(r.Slot) }
func (r BlockRow) Timestamp() int64   { return r.BlockTime }

// RewardRow is one block-level reward.
type RewardRow struct {
	Slot        int64     `parquet:"slot"`
	Pubkey      string    `parquet:"pubkey"`
	Lamports    int64     `parquet:"lamports"`
	PostBalance int64     `parquet:"postBalance"`
	RewardType  string    `parquet:"rewardType"`
	Commission  int64     `parquet:"commission"`
	CollectedAt time.Time `parquet:"collected_at,timestamp(millisecond)"`
	BlockTime   int64     `parquet:"blockTime"`
	BlockDT     time.Time `parquet:"block_dt,timestamp(millisecond)"`
}

func (r RewardRow) SlotNumber() uint64 { return uint64(r.Slot) }
func (r RewardRow) Timestamp() int64   { return r.BlockTime }

// TransactionRow is one transaction with its message and execution meta.
type TransactionRow struct {
	Slot             int64     `parquet:"slot"`
	TransactionID    string    `parquet:"transaction_id"`
	Transaction      TxBody    `parquet:"transaction"`
	Meta             TxMeta    `parquet:"meta"`
	Version          string    `parquet:"version"`
	BlockTime        int64     `parquet:"blockTime"`
	BlockDT          time.Time `parquet:"block_dt,timestamp(millisecond)"`
	TransactionIndex int64     `parquet:"transaction_index"`
	CollectedAt      time.Time `parquet:"collected_at,timestamp(millisecond)"`
}

func (r TransactionRow) SlotNumber() uint64 { return uint64(r.Slot) }
func (r TransactionRow) Timestamp() int64   { return r.BlockTime }

type TxBody struct {
	Signatures []string  `parquet:"signatures,list"`
	Message    TxMessage `parquet:"message"`
}

type TxMessage struct {
	RecentBlockhash string        `parquet:"recentBlockhash"`
	Instructions    []Instruction `parquet:"instructions,list"`
	Header          MessageHeader `parquet:"header"`
	AccountKeys     []AccountKey  `parquet:"accountKeys,list"`
}

type MessageHeader struct {
	NumRequiredSignatures       int64 `parquet:"numRequiredSignatures"`
	NumReadonlyUnsignedAccounts int64 `parquet:"numReadonlyUnsignedAccounts"`
	NumReadonlySignedAccounts   int64 `parquet:"numReadonlySignedAccounts"`
}

type AccountKey struct {
	Pubkey   string `parquet:"pubkey"`
	Signer   bool   `parquet:"signer"`
	Source   string `parquet:"source"`
	Writable bool   `parquet:"writable"`
}

// Instruction is a top-level instruction. Parsed holds the JSON text of the
// node's parsed form, empty when the program is not parsed.
type Instruction struct {
	InstructionIndex int64    `parquet:"instruction_index"`
	ProgramIDIndex   *int64   `parquet:"programIdIndex,optional"`
	ProgramID        string   `parquet:"programId"`
	Program          string   `parquet:"program"`
	Data             string   `parquet:"data"`
	Accounts         []string `parquet:"accounts,list"`
	Parsed           string   `parquet:"parsed"`
	StackHeight      *int64   `parquet:"stackHeight,optional"`
}

type InnerInstruction struct {
	ProgramIDIndex *int64   `parquet:"programIdIndex,optional"`
	ProgramID      string   `parquet:"programId"`
	Program        string   `parquet:"program"`
	Data           string   `parquet:"data"`
	Accounts       []string `parquet:"accounts,list"`
	Parsed         string   `parquet:"parsed"`
	StackHeight    *int64   `parquet:"stackHeight,optional"`
}

type InnerInstructionSet struct {
	Instructions []InnerInstruction `parquet:"instructions,list"`
	Index        int64              `parquet:"index"`
}

// TxMeta mirrors the node's transaction meta. Err and Status hold JSON text.
type TxMeta struct {
	ComputeUnitsConsumed int64                 `parquet:"computeUnitsConsumed"`
	Status               string                `parquet:"status"`
	PreTokenBalances     []TokenBalance        `parquet:"preTokenBalances,list"`
	PostTokenBalances    []TokenBalance        `parquet:"postTokenBalances,list"`
	Rewards              []TxReward            `parquet:"rewards,list"`
	PostBalances         []int64               `parquet:"postBalances,list"`
	Err                  string                `parquet:"err"`
	LogMessages          []string              `parquet:"logMessages,list"`
	InnerInstructions    []InnerInstructionSet `parquet:"innerInstructions,list"`
	PreBalances          []int64               `parquet:"preBalances,list"`
	Fee                  int64                 `parquet:"fee"`
}

type TokenBalance struct {
	UITokenAmount UITokenAmount `parquet:"uiTokenAmount"`
	Owner         string        `parquet:"owner"`
	Mint          string        `parquet:"mint"`
	AccountIndex  int64         `parquet:"accountIndex"`
}

// UITokenAmount keeps the raw token amount as decimal text; it can exceed 64 bits.
type UITokenAmount struct {
	UIAmount       string `parquet:"uiAmount"`
	Decimals       int64  `parquet:"decimals"`
	UIAmountString string `parquet:"uiAmountString"`
	Amount         string `parquet:"amount"`
}

type TxReward struct {
	Commission  float64 `parquet:"commission"`
	Lamports    float64 `parquet:"lamports"`
	PostBalance float64 `parquet:"postBalance"`
	Pubkey      string  `parquet:"pubkey"`
	RewardType  string  `parquet:"rewardType"`
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
