package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// rawBlock is the annotated block record written by the collector.
type rawBlock struct {
	Slot              uint64            `json:"slot"`
	Blockhash         string            `json:"blockhash"`
	PreviousBlockhash string            `json:"previousBlockhash"`
	ParentSlot        int64             `json:"parentSlot"`
	BlockHeight       int64             `json:"blockHeight"`
	BlockTime         int64             `json:"blockTime"`
	Status            string            `json:"status"`
	Code              int64             `json:"code"`
	Message           string            `json:"message"`
	CollectedAt       int64             `json:"collected_at"`
	Rewards           []json.RawMessage `json:"rewards"`
	Transactions      []rawTransaction  `json:"transactions"`
}

type rawReward struct {
	Pubkey      string      `json:"pubkey"`
	Lamports    json.Number `json:"lamports"`
	PostBalance json.Number `json:"postBalance"`
	RewardType  string      `json:"rewardType"`
	Commission  json.Number `json:"commission"`
}

type rawTransaction struct {
	Transaction struct {
		Signatures []string   `json:"signatures"`
		Message    rawMessage `json:"message"`
	} `json:"transaction"`
	Meta    rawMeta         `json:"meta"`
	Version json.RawMessage `json:"version"`
}

type rawMessage struct {
	AccountKeys     []AccountKey     `json:"accountKeys"`
	RecentBlockhash string           `json:"recentBlockhash"`
	Instructions    []rawInstruction `json:"instructions"`
	Header          struct {
		NumRequiredSignatures       int64 `json:"numRequiredSignatures"`
		NumReadonlyUnsignedAccounts int64 `json:"numReadonlyUnsignedAccounts"`
		NumReadonlySignedAccounts   int64 `json:"numReadonlySignedAccounts"`
	} `json:"header"`
}

type rawInstruction struct {
	ProgramIDIndex *int64          `json:"programIdIndex"`
	ProgramID      string          `json:"programId"`
	Program        string          `json:"program"`
	Data           string          `json:"data"`
	Accounts       []string        `json:"accounts"`
	Parsed         json.RawMessage `json:"parsed"`
	StackHeight    *int64          `json:"stackHeight"`
}

type rawMeta struct {
	ComputeUnitsConsumed int64             `json:"computeUnitsConsumed"`
	Err                  json.RawMessage   `json:"err"`
	Fee                  int64             `json:"fee"`
	InnerInstructions    []rawInnerSet     `json:"innerInstructions"`
	LogMessages          []string          `json:"logMessages"`
	PostBalances         []int64           `json:"postBalances"`
	PreBalances          []int64           `json:"preBalances"`
	PostTokenBalances    []rawTokenBalance `json:"postTokenBalances"`
	PreTokenBalances     []rawTokenBalance `json:"preTokenBalances"`
	Rewards              []rawReward       `json:"rewards"`
	Status               json.RawMessage   `json:"status"`
}

type rawInnerSet struct {
	Index        int64            `json:"index"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawTokenBalance struct {
	AccountIndex  int64  `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		UIAmount       json.RawMessage `json:"uiAmount"`
		Decimals       int64           `json:"decimals"`
		UIAmountString string          `json:"uiAmountString"`
		Amount         string          `json:"amount"`
	} `json:"uiTokenAmount"`
}

// Extracted holds the rows derived from one per-slot record.
type Extracted struct {
	Block        BlockRow
	Rewards      []RewardRow
	Transactions []TransactionRow
}

// Extract maps one raw per-slot record to its block, reward and transaction rows.
func Extract(rec json.RawMessage) (Extracted, error) {
	var b rawBlock
	if err := json.Unmarshal(rec, &b); err != nil {
		return Extracted{}, fmt.Errorf("decode record: %w", err)
	}

	blockDT := unixUTC(b.BlockTime)
	collectedAt := unixUTC(b.CollectedAt)
	slot := int64(b.Slot)

	out := Extracted{
		Block: BlockRow{
			Slot:              slot,
			Blockhash:         b.Blockhash,
			PreviousBlockhash: b.PreviousBlockhash,
			ParentSlot:        b.ParentSlot,
			BlockHeight:       b.BlockHeight,
			BlockTime:         b.BlockTime,
			BlockDT:           blockDT,
			Status:            b.Status,
			Code:              b.Code,
			Message:           b.Message,
			CollectedAt:       collectedAt,
		},
	}

	for _, raw := range b.Rewards {
		// Entries that are not non-empty objects carry nothing to store.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
			continue
		}
		var r rawReward
		if err := json.Unmarshal(raw, &r); err != nil {
			return Extracted{}, fmt.Errorf("slot %d: decode reward: %w", b.Slot, err)
		}
		out.Rewards = append(out.Rewards, RewardRow{
			Slot:        slot,
			Pubkey:      r.Pubkey,
			Lamports:    intOf(r.Lamports),
			PostBalance: intOf(r.PostBalance),
			RewardType:  r.RewardType,
			Commission:  intOf(r.Commission),
			CollectedAt: collectedAt,
			BlockTime:   b.BlockTime,
			BlockDT:     blockDT,
		})
	}

	for i, tx := range b.Transactions {
		out.Transactions = append(out.Transactions, transactionRow(slot, i, tx, b.BlockTime, blockDT, collectedAt))
	}

	return out, nil
}

func transactionRow(slot int64, index int, tx rawTransaction, blockTime int64, blockDT, collectedAt time.Time) TransactionRow {
	msg := tx.Transaction.Message

	var id string
	if len(tx.Transaction.Signatures) > 0 {
		id = tx.Transaction.Signatures[0]
	}

	instructions := make([]Instruction, 0, len(msg.Instructions))
	for i, in := range msg.Instructions {
		instructions = append(instructions, Instruction{
			InstructionIndex: int64(i),
			ProgramIDIndex:   in.ProgramIDIndex,
			ProgramID:        in.ProgramID,
			Program:          in.Program,
			Data:             in.Data,
			Accounts:         in.Accounts,
			Parsed:           jsonText(in.Parsed),
			StackHeight:      in.StackHeight,
		})
	}

	inner := make([]InnerInstructionSet, 0, len(tx.Meta.InnerInstructions))
	for _, set := range tx.Meta.InnerInstructions {
		ins := make([]InnerInstruction, 0, len(set.Instructions))
		for _, in := range set.Instructions {
			ins = append(ins, InnerInstruction{
				ProgramIDIndex: in.ProgramIDIndex,
				ProgramID:      in.ProgramID,
				Program:        in.Program,
				Data:           in.Data,
				Accounts:       in.Accounts,
				Parsed:         jsonText(in.Parsed),
				StackHeight:    in.StackHeight,
			})
		}
		inner = append(inner, InnerInstructionSet{Instructions: ins, Index: set.Index})
	}

	rewards := make([]TxReward, 0, len(tx.Meta.Rewards))
	for _, r := range tx.Meta.Rewards {
		rewards = append(rewards, TxReward{
			Commission:  floatOf(r.Commission),
			Lamports:    floatOf(r.Lamports),
			PostBalance: floatOf(r.PostBalance),
			Pubkey:      r.Pubkey,
			RewardType:  r.RewardType,
		})
	}

	return TransactionRow{
		Slot:          slot,
		TransactionID: id,
		Transaction: TxBody{
			Signatures: tx.Transaction.Signatures,
			Message: TxMessage{
				RecentBlockhash: msg.RecentBlockhash,
				Instructions:    instructions,
				Header: MessageHeader{
					NumRequiredSignatures:       msg.Header.NumRequiredSignatures,
					NumReadonlyUnsignedAccounts: msg.Header.NumReadonlyUnsignedAccounts,
					NumReadonlySignedAccounts:   msg.Header.NumReadonlySignedAccounts,
				},
				AccountKeys: msg.AccountKeys,
			},
		},
		Meta: TxMeta{
			ComputeUnitsConsumed: tx.Meta.ComputeUnitsConsumed,
			Status:               jsonText(tx.Meta.Status),
			PreTokenBalances:     tokenBalances(tx.Meta.PreTokenBalances),
			PostTokenBalances:    tokenBalances(tx.Meta.PostTokenBalances),
			Rewards:              rewards,
			PostBalances:         tx.Meta.PostBalances,
			Err:                  jsonText(tx.Meta.Err),
			LogMessages:          tx.Meta.LogMessages,
			InnerInstructions:    inner,
			PreBalances:          tx.Meta.PreBalances,
			Fee:                  tx.Meta.Fee,
		},
		Version:          versionText(tx.Version),
		BlockTime:        blockTime,
		BlockDT:          blockDT,
		TransactionIndex: int64(index),
		CollectedAt:      collectedAt,
	}
}

func tokenBalances(in []rawTokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		uiAmount := jsonText(b.UITokenAmount.UIAmount)
		if uiAmount == "" {
			uiAmount = "0"
		}
		out = append(out, TokenBalance{
			UITokenAmount: UITokenAmount{
				UIAmount:       uiAmount,
				Decimals:       b.UITokenAmount.Decimals,
				UIAmountString: b.UITokenAmount.UIAmountString,
				Amount:         b.UITokenAmount.Amount,
			},
			Owner:        b.Owner,
			Mint:         b.Mint,
			AccountIndex: b.AccountIndex,
		})
	}
	return out
}

// unixUTC converts block-time seconds to a UTC time. Zero and negative
// values map to the epoch.
func unixUTC(sec int64) time.Time {
	if sec <= 0 {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// intOf reads an integer field; null and absent read as 0.
func intOf(n json.Number) int64 {
	if n == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	f, _ := n.Float64()
	return int64(f)
}

func floatOf(n json.Number) float64 {
	if n == "" {
		return 0
	}
	f, _ := n.Float64()
	return f
}

// jsonText returns the compact JSON text of a value, or "" for null and absent values.
func jsonText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// versionText renders the transaction version: "legacy" or the version number.
func versionText(raw json.RawMessage) string {
	text := jsonText(raw)
	if s, err := strconv.Unquote(text); err == nil {
		return s
	}
	return text
}
