package lending

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"bobvault/storage"
)

// engineState is the persistence boundary of the engine. Reads return nil
// with no error when a record does not exist. Apply commits a change set
// atomically: either every record in it is written or none is.
type engineState interface {
	GetTotals() (*Totals, error)
	GetUserAccount(addr common.Address) (*UserAccount, error)
	GetLoan(id uint64) (*LoanRequest, error)
	GetLoanIndex(addr common.Address) ([]uint64, error)
	GetDepositSaga(id string) (*DepositSaga, error)
	ForEachUserAccount(fn func(*UserAccount) error) error
	ForEachDepositSaga(fn func(*DepositSaga) error) error
	Apply(cs *ChangeSet) error
}

// ChangeSet holds every record an operation intends to write.
type ChangeSet struct {
	Totals    *Totals
	Accounts  map[common.Address]*UserAccount
	Loans     map[uint64]*LoanRequest
	LoanIndex map[common.Address][]uint64
	Sagas     map[string]*DepositSaga
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Accounts:  make(map[common.Address]*UserAccount),
		Loans:     make(map[uint64]*LoanRequest),
		LoanIndex: make(map[common.Address][]uint64),
		Sagas:     make(map[string]*DepositSaga),
	}
}

// Empty reports whether the change set carries no writes.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || (cs.Totals == nil && len(cs.Accounts) == 0 && len(cs.Loans) == 0 &&
		len(cs.LoanIndex) == 0 && len(cs.Sagas) == 0)
}

// stagedState layers uncommitted writes over the persisted state. Ledger and
// registry transitions operate on it so a failed external call can discard
// everything by dropping the view.
type stagedState struct {
	base    engineState
	changes *ChangeSet
}

func newStagedState(base engineState) *stagedState {
	return &stagedState{base: base, changes: newChangeSet()}
}

func (s *stagedState) totals() (*Totals, error) {
	if s.changes.Totals != nil {
		return s.changes.Totals, nil
	}
	totals, err := s.base.GetTotals()
	if err != nil {
		return nil, err
	}
	if totals == nil {
		totals = &Totals{}
	} else {
		totals = totals.Clone()
	}
	totals.ensureDefaults()
	s.changes.Totals = totals
	return totals, nil
}

// account returns the staged account, or nil when it has never existed.
func (s *stagedState) account(addr common.Address) (*UserAccount, error) {
	if account, ok := s.changes.Accounts[addr]; ok {
		return account, nil
	}
	account, err := s.base.GetUserAccount(addr)
	if err != nil || account == nil {
		return nil, err
	}
	account = account.Clone()
	account.ensureDefaults()
	s.changes.Accounts[addr] = account
	return account, nil
}

func (s *stagedState) accountOrNew(addr common.Address) (*UserAccount, error) {
	account, err := s.account(addr)
	if err != nil || account != nil {
		return account, err
	}
	account = &UserAccount{Address: addr}
	account.ensureDefaults()
	s.changes.Accounts[addr] = account
	return account, nil
}

func (s *stagedState) loan(id uint64) (*LoanRequest, error) {
	if loan, ok := s.changes.Loans[id]; ok {
		return loan, nil
	}
	loan, err := s.base.GetLoan(id)
	if err != nil || loan == nil {
		return nil, err
	}
	loan = loan.Clone()
	s.changes.Loans[id] = loan
	return loan, nil
}

func (s *stagedState) putLoan(loan *LoanRequest) {
	s.changes.Loans[loan.ID] = loan
}

func (s *stagedState) loanIndex(addr common.Address) ([]uint64, error) {
	if ids, ok := s.changes.LoanIndex[addr]; ok {
		return ids, nil
	}
	ids, err := s.base.GetLoanIndex(addr)
	if err != nil {
		return nil, err
	}
	return append([]uint64(nil), ids...), nil
}

func (s *stagedState) putLoanIndex(addr common.Address, ids []uint64) {
	s.changes.LoanIndex[addr] = ids
}

func (s *stagedState) putSaga(saga *DepositSaga) {
	s.changes.Sagas[saga.ID] = saga
}

func (s *stagedState) commit() error {
	if s.changes.Empty() {
		return nil
	}
	return s.base.Apply(s.changes)
}

const (
	keyTotals        = "lending/totals"
	prefixAccount    = "lending/account/"
	prefixLoan       = "lending/loan/"
	prefixLoanIndex  = "lending/loan-index/"
	prefixDepositSag = "lending/saga/"
)

// Store persists lending state in a key/value database. Records are JSON
// encoded; loan keys embed the big-endian identifier so iteration follows
// allocation order.
type Store struct {
	db storage.Database
}

// NewStore wraps db as engine state.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func accountKey(addr common.Address) []byte {
	return append([]byte(prefixAccount), addr.Bytes()...)
}

func loanKey(id uint64) []byte {
	key := make([]byte, len(prefixLoan)+8)
	copy(key, prefixLoan)
	binary.BigEndian.PutUint64(key[len(prefixLoan):], id)
	return key
}

func loanIndexKey(addr common.Address) []byte {
	return append([]byte(prefixLoanIndex), addr.Bytes()...)
}

func sagaKey(id string) []byte {
	return []byte(prefixDepositSag + id)
}

func (s *Store) load(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("lending store: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) GetTotals() (*Totals, error) {
	totals := new(Totals)
	ok, err := s.load([]byte(keyTotals), totals)
	if err != nil || !ok {
		return nil, err
	}
	totals.ensureDefaults()
	return totals, nil
}

func (s *Store) GetUserAccount(addr common.Address) (*UserAccount, error) {
	account := new(UserAccount)
	ok, err := s.load(accountKey(addr), account)
	if err != nil || !ok {
		return nil, err
	}
	account.ensureDefaults()
	return account, nil
}

func (s *Store) GetLoan(id uint64) (*LoanRequest, error) {
	loan := new(LoanRequest)
	ok, err := s.load(loanKey(id), loan)
	if err != nil || !ok {
		return nil, err
	}
	return loan, nil
}

func (s *Store) GetLoanIndex(addr common.Address) ([]uint64, error) {
	var ids []uint64
	if _, err := s.load(loanIndexKey(addr), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetDepositSaga(id string) (*DepositSaga, error) {
	saga := new(DepositSaga)
	ok, err := s.load(sagaKey(id), saga)
	if err != nil || !ok {
		return nil, err
	}
	return saga, nil
}

func (s *Store) ForEachUserAccount(fn func(*UserAccount) error) error {
	return s.db.Iterate([]byte(prefixAccount), func(key, value []byte) error {
		account := new(UserAccount)
		if err := json.Unmarshal(value, account); err != nil {
			return fmt.Errorf("lending store: decode %q: %w", key, err)
		}
		account.ensureDefaults()
		return fn(account)
	})
}

func (s *Store) ForEachDepositSaga(fn func(*DepositSaga) error) error {
	return s.db.Iterate([]byte(prefixDepositSag), func(key, value []byte) error {
		saga := new(DepositSaga)
		if err := json.Unmarshal(value, saga); err != nil {
			return fmt.Errorf("lending store: decode %q: %w", key, err)
		}
		return fn(saga)
	})
}

// ForEachLoan walks loans in identifier order.
func (s *Store) ForEachLoan(fn func(*LoanRequest) error) error {
	return s.db.Iterate([]byte(prefixLoan), func(key, value []byte) error {
		loan := new(LoanRequest)
		if err := json.Unmarshal(value, loan); err != nil {
			return fmt.Errorf("lending store: decode %q: %w", key, err)
		}
		return fn(loan)
	})
}

// Apply writes the change set in a single batch.
func (s *Store) Apply(cs *ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	batch := storage.NewBatch()
	put := func(key []byte, value interface{}) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("lending store: encode %q: %w", key, err)
		}
		batch.Put(key, raw)
		return nil
	}
	if cs.Totals != nil {
		if err := put([]byte(keyTotals), cs.Totals); err != nil {
			return err
		}
	}
	for addr, account := range cs.Accounts {
		if err := put(accountKey(addr), account); err != nil {
			return err
		}
	}
	for id, loan := range cs.Loans {
		if err := put(loanKey(id), loan); err != nil {
			return err
		}
	}
	for addr, ids := range cs.LoanIndex {
		sorted := append([]uint64(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		if err := put(loanIndexKey(addr), sorted); err != nil {
			return err
		}
	}
	for id, saga := range cs.Sagas {
		if err := put(sagaKey(id), saga); err != nil {
			return err
		}
	}
	return s.db.Write(batch)
}
