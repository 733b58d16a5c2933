package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/config"
	"github.com/vultisig/multisigner/contexthelper"
	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/xrpl"
)

const (
	defaultTimeout = 30 * time.Second
	initialBackoff = 200 * time.Millisecond

	flagDisableMaster       = 0x00100000
	accountSetDisableMaster = 4

	dropsPerXRP = 6
)

// RPCClient talks to a rippled node over JSON-RPC.
type RPCClient struct {
	url             string
	faucetURL       string
	network         types.Network
	baseFee         int64
	authoritySecret string
	maxRetries      int
	client          *http.Client
	logger          *logrus.Logger
}

func NewRPCClient(cfg config.LedgerConfig, logger *logrus.Logger) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ledger rpc url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseFee := cfg.BaseFee
	if baseFee <= 0 {
		baseFee = 12
	}
	return &RPCClient{
		url:             cfg.RPCURL,
		faucetURL:       cfg.FaucetURL,
		network:         types.Network(cfg.Network),
		baseFee:         baseFee,
		authoritySecret: cfg.AuthoritySecret,
		maxRetries:      cfg.MaxRetries,
		client:          &http.Client{Timeout: timeout},
		logger:          logger,
	}, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcError struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
	Status       string `json:"status"`
}

// call performs one JSON-RPC request. Transport failures are classified as
// unreachable when no connection was made and unknown otherwise.
func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("fail to marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isDialError(err) {
			return Unreachable(fmt.Errorf("%s: %w", method, err))
		}
		return Unknown(fmt.Errorf("%s: %w", method, err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Errorf("failed to close body: %v", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Unknown(fmt.Errorf("%s: failed to read response body: %w", method, err))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Unreachable(fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		return Rejected(strconv.Itoa(resp.StatusCode), fmt.Errorf("%s: %s", method, string(raw)))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Unknown(fmt.Errorf("%s: fail to decode response: %w", method, err))
	}
	var status rpcError
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return Unknown(fmt.Errorf("%s: fail to decode result: %w", method, err))
	}
	if status.Status == "error" {
		if status.Error == "actNotFound" {
			return ErrAccountNotFound
		}
		return Rejected(status.Error, fmt.Errorf("%s: %s", method, status.ErrorMessage))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%s: fail to decode result: %w", method, err)
	}
	return nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// retryWithBackoff retries read-only calls that never reached the node.
func (c *RPCClient) retryWithBackoff(ctx context.Context, operation string, fn func() error) error {
	var err error
	backoff := initialBackoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"backoff":   backoff,
			}).Warn("Retrying ledger call")
			if err := contexthelper.Sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, c.maxRetries, err)
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
	ValidatedLedgerIndex int64 `json:"validated_ledger_index"`
	LedgerCurrentIndex   int64 `json:"ledger_current_index"`
}

// engineOutcome maps a preliminary engine result onto the gateway contract.
func engineOutcome(r submitResult) (TxResult, error) {
	res := TxResult{
		Hash:         r.TxJSON.Hash,
		LedgerIndex:  r.ValidatedLedgerIndex,
		EngineResult: r.EngineResult,
	}
	if res.LedgerIndex == 0 {
		res.LedgerIndex = r.LedgerCurrentIndex
	}
	switch {
	case r.EngineResult == "tesSUCCESS", r.EngineResult == "terQUEUED":
		return res, nil
	case strings.HasPrefix(r.EngineResult, "tel"):
		return res, &SubmissionError{Outcome: OutcomeUnreachable, Code: r.EngineResult, Err: errors.New(r.EngineResultMessage)}
	case strings.HasPrefix(r.EngineResult, "ter"):
		// the node holds the transaction and may still apply it
		return res, &SubmissionError{Outcome: OutcomeUnknown, Code: r.EngineResult, Err: errors.New(r.EngineResultMessage)}
	default:
		return res, Rejected(r.EngineResult, errors.New(r.EngineResultMessage))
	}
}

func (c *RPCClient) GenerateKeypair(ctx context.Context, network types.Network) (Keypair, error) {
	var result struct {
		AccountID    string `json:"account_id"`
		MasterSeed   string `json:"master_seed"`
		PublicKeyHex string `json:"public_key_hex"`
	}
	err := c.retryWithBackoff(ctx, "wallet_propose", func() error {
		return c.call(ctx, "wallet_propose", map[string]any{"key_type": "secp256k1"}, &result)
	})
	if err != nil {
		return Keypair{}, fmt.Errorf("fail to generate keypair: %w", err)
	}
	kp := Keypair{Address: result.AccountID, PublicKey: result.PublicKeyHex, Secret: result.MasterSeed}

	if network != types.NetworkMainnet && c.faucetURL != "" {
		// an unfunded test account can still be funded manually, so only log
		if err := c.fund(ctx, kp.Address); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": kp.Address,
				"network": network,
			}).Errorf("fail to fund account from faucet: %v", err)
		}
	}
	return kp, nil
}

func (c *RPCClient) fund(ctx context.Context, address string) error {
	body, err := json.Marshal(map[string]string{"destination": address})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.faucetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("faucet request failed: %s", resp.Status)
	}
	c.logger.WithField("address", address).Info("Funded account from faucet")
	return nil
}

func (c *RPCClient) DisableMasterKey(ctx context.Context, address, secret string) (TxResult, error) {
	params := map[string]any{
		"secret":    secret,
		"fail_hard": true,
		"tx_json": map[string]any{
			"TransactionType": "AccountSet",
			"Account":         address,
			"SetFlag":         accountSetDisableMaster,
		},
	}
	var result submitResult
	if err := c.call(ctx, "submit", params, &result); err != nil {
		return TxResult{}, err
	}
	return engineOutcome(result)
}

func (c *RPCClient) BuildTransaction(ctx context.Context, req BuildRequest) (json.RawMessage, error) {
	if !req.TxType.IsValid() {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidTxType, req.TxType)
	}
	tx := map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &tx); err != nil {
			return nil, fmt.Errorf("%w: transaction params: %v", types.ErrInvalidRequest, err)
		}
	}
	state, err := c.GetAccountState(ctx, req.Account)
	if err != nil {
		return nil, err
	}
	signers := req.SignerCount
	if signers < 1 {
		signers = 1
	}
	tx["TransactionType"] = string(req.TxType)
	tx["Account"] = req.Account
	tx["Sequence"] = state.Sequence
	tx["SigningPubKey"] = ""
	// multi-signed transactions pay the base fee once per signature plus once
	tx["Fee"] = strconv.FormatInt(c.baseFee*int64(signers+1), 10)
	return json.Marshal(tx)
}

type signerWrapper struct {
	Signer struct {
		Account       string `json:"Account"`
		SigningPubKey string `json:"SigningPubKey"`
		TxnSignature  string `json:"TxnSignature"`
	} `json:"Signer"`
}

func (c *RPCClient) SubmitSigned(ctx context.Context, payload json.RawMessage, signatures []SignerSignature) (TxResult, error) {
	tx := map[string]any{}
	if err := json.Unmarshal(payload, &tx); err != nil {
		return TxResult{}, Rejected("", fmt.Errorf("fail to decode payload: %w", err))
	}
	signers, err := sortedSigners(signatures)
	if err != nil {
		return TxResult{}, Rejected("", err)
	}
	tx["Signers"] = signers

	var result submitResult
	if err := c.call(ctx, "submit_multisigned", map[string]any{"tx_json": tx}, &result); err != nil {
		return TxResult{}, err
	}
	return engineOutcome(result)
}

// sortedSigners orders signers by account id, which the ledger requires for
// multi-signed transactions.
func sortedSigners(signatures []SignerSignature) ([]signerWrapper, error) {
	type keyed struct {
		id []byte
		w  signerWrapper
	}
	list := make([]keyed, 0, len(signatures))
	for _, s := range signatures {
		id, err := xrpl.DecodeAddress(s.SignerAddress)
		if err != nil {
			return nil, err
		}
		var w signerWrapper
		w.Signer.Account = s.SignerAddress
		w.Signer.SigningPubKey = strings.ToUpper(s.PublicKey)
		w.Signer.TxnSignature = strings.ToUpper(fmt.Sprintf("%x", s.Signature))
		list = append(list, keyed{id: id, w: w})
	}
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].id, list[j].id) < 0
	})
	out := make([]signerWrapper, len(list))
	for i, k := range list {
		out[i] = k.w
	}
	return out, nil
}

type signerListJSON struct {
	SignerQuorum  int `json:"SignerQuorum"`
	SignerEntries []struct {
		SignerEntry struct {
			Account      string `json:"Account"`
			SignerWeight int    `json:"SignerWeight"`
		} `json:"SignerEntry"`
	} `json:"SignerEntries"`
}

func (c *RPCClient) GetAccountState(ctx context.Context, address string) (AccountState, error) {
	var result struct {
		AccountData struct {
			Balance     string           `json:"Balance"`
			Sequence    uint32           `json:"Sequence"`
			Flags       uint32           `json:"Flags"`
			SignerLists []signerListJSON `json:"signer_lists"`
		} `json:"account_data"`
		SignerLists []signerListJSON `json:"signer_lists"`
	}
	params := map[string]any{
		"account":      address,
		"ledger_index": "validated",
		"signer_lists": true,
	}
	err := c.retryWithBackoff(ctx, "account_info", func() error {
		return c.call(ctx, "account_info", params, &result)
	})
	if err != nil {
		return AccountState{}, err
	}

	drops, err := decimal.NewFromString(result.AccountData.Balance)
	if err != nil {
		return AccountState{}, fmt.Errorf("fail to parse balance %q: %w", result.AccountData.Balance, err)
	}
	state := AccountState{
		Address:        address,
		Balance:        drops.Shift(-dropsPerXRP),
		Sequence:       result.AccountData.Sequence,
		MasterDisabled: result.AccountData.Flags&flagDisableMaster != 0,
	}
	lists := result.SignerLists
	if len(lists) == 0 {
		lists = result.AccountData.SignerLists
	}
	if len(lists) > 0 {
		sl := &SignerList{Quorum: lists[0].SignerQuorum}
		for _, e := range lists[0].SignerEntries {
			sl.Entries = append(sl.Entries, SignerEntry{Account: e.SignerEntry.Account, Weight: e.SignerEntry.SignerWeight})
		}
		state.SignerList = sl
	}
	return state, nil
}

func (c *RPCClient) SetSignerList(ctx context.Context, update SignerListUpdate) (TxResult, error) {
	if c.authoritySecret == "" {
		return TxResult{}, Rejected("noAuthority", errors.New("no signing authority configured for signer list updates"))
	}
	entries := make([]map[string]any, 0, len(update.Entries))
	for _, e := range update.Entries {
		entries = append(entries, map[string]any{
			"SignerEntry": map[string]any{
				"Account":      e.Account,
				"SignerWeight": e.Weight,
			},
		})
	}
	params := map[string]any{
		"secret":    c.authoritySecret,
		"fail_hard": true,
		"tx_json": map[string]any{
			"TransactionType": "SignerListSet",
			"Account":         update.Account,
			"SignerQuorum":    update.Quorum,
			"SignerEntries":   entries,
		},
	}
	var result submitResult
	if err := c.call(ctx, "submit", params, &result); err != nil {
		return TxResult{}, err
	}
	return engineOutcome(result)
}
