package state

import (
	"fmt"

	"cascade/crypto"
)

func dealKey(dealID string) []byte {
	return []byte("deal/" + dealID)
}

func reportKey(dealID string, period uint64) []byte {
	return []byte(fmt.Sprintf("deal/%s/report/%d", dealID, period))
}

func trancheKey(dealID, trancheID string) []byte {
	return []byte(fmt.Sprintf("tranche/%s/%s", dealID, trancheID))
}

func balanceKey(dealID, trancheID string, holder crypto.Address) []byte {
	return []byte(fmt.Sprintf("tranche/%s/%s/bal/%s", dealID, trancheID, holder))
}

func holdersKey(dealID, trancheID string) []byte {
	return []byte(fmt.Sprintf("tranche/%s/%s/holders", dealID, trancheID))
}

func snapshotKey(dealID, trancheID string, period uint64) []byte {
	return []byte(fmt.Sprintf("tranche/%s/%s/snap/%d", dealID, trancheID, period))
}

func cursorKey(dealID, trancheID string, holder crypto.Address) []byte {
	return []byte(fmt.Sprintf("tranche/%s/%s/cursor/%s", dealID, trancheID, holder))
}

func cashKey(addr crypto.Address) []byte {
	return []byte("cash/" + addr.String())
}
