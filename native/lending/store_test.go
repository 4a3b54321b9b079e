package lending

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bobvault/storage"
)

func TestStoreApplyIsAtomicAndOrdered(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	store := NewStore(db)

	cs := newChangeSet()
	cs.Totals = &Totals{TotalDeposits: big.NewInt(7), TotalOutstandingDebt: big.NewInt(0), LastLoanID: 300}
	cs.Accounts[alice] = &UserAccount{Address: alice, DepositBalance: big.NewInt(7), Active: true}
	ids := make([]uint64, 0, 300)
	for id := uint64(300); id >= 1; id-- {
		cs.Loans[id] = &LoanRequest{ID: id, Borrower: alice, Principal: big.NewInt(int64(id)), Rate: testRate}
		ids = append(ids, id)
	}
	cs.LoanIndex[alice] = ids
	cs.Sagas["s1"] = &DepositSaga{ID: "s1", Depositor: alice, Amount: big.NewInt(7), State: SagaCredited}
	require.NoError(t, store.Apply(cs))
	require.NoError(t, VerifyState(store))

	index, err := store.GetLoanIndex(alice)
	require.NoError(t, err)
	require.Len(t, index, 300)
	require.Equal(t, uint64(1), index[0])

	var walked []uint64
	require.NoError(t, store.ForEachLoan(func(loan *LoanRequest) error {
		walked = append(walked, loan.ID)
		return nil
	}))
	require.Len(t, walked, 300)
	for i, id := range walked {
		require.Equal(t, uint64(i+1), id)
	}

	account, err := store.GetUserAccount(alice)
	require.NoError(t, err)
	require.NotNil(t, account.Debt, "defaults must be filled on load")
	require.Zero(t, account.Debt.Sign())

	missing, err := store.GetUserAccount(bob)
	require.NoError(t, err)
	require.Nil(t, missing)

	saga, err := store.GetDepositSaga("s1")
	require.NoError(t, err)
	require.False(t, saga.Pending())

	db.Close()
	reopened, err := storage.OpenLevelDBReadOnly(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.Nil(t, reopened)
}

func TestStagedStateIsolation(t *testing.T) {
	store := newTestStore()
	seedDeposit(t, store, alice, 100)

	staged := newStagedState(store)
	account, err := staged.account(alice)
	require.NoError(t, err)
	account.DepositBalance = big.NewInt(1)

	persisted, err := store.GetUserAccount(alice)
	require.NoError(t, err)
	require.Equal(t, "100", persisted.DepositBalance.String())

	require.True(t, newChangeSet().Empty())
	require.NoError(t, newStagedState(store).commit())
}
