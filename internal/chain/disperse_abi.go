package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const disperseABIJSON = `[
  {
    "constant": false,
    "inputs": [
      {"name": "recipients", "type": "address[]"},
      {"name": "values", "type": "uint256[]"}
    ],
    "name": "disperseEther",
    "outputs": [],
    "payable": true,
    "stateMutability": "payable",
    "type": "function"
  }
]`

var (
	disperseABI     abi.ABI
	disperseABIOnce sync.Once
	disperseABIErr  error
)

// DisperseABI returns the parsed ABI of the batch payout contract.
func DisperseABI() (abi.ABI, error) {
	disperseABIOnce.Do(func() {
		disperseABI, disperseABIErr = abi.JSON(strings.NewReader(disperseABIJSON))
	})
	return disperseABI, disperseABIErr
}
