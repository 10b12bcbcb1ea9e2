package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Flash-loan contract entry points
const flashLoanABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "_token", "type": "address"},
			{"internalType": "uint256", "name": "_amount", "type": "uint256"}
		],
		"name": "requestFlashLoan",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "_tokenAddress", "type": "address"}
		],
		"name": "getBalance",
		"outputs": [
			{"internalType": "uint256", "name": "", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

const erc20ABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "account", "type": "address"}
		],
		"name": "balanceOf",
		"outputs": [
			{"internalType": "uint256", "name": "", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	flashLoanContract abi.ABI
	erc20Contract     abi.ABI
)

func init() {
	var err error
	if flashLoanContract, err = abi.JSON(strings.NewReader(flashLoanABI)); err != nil {
		panic(fmt.Sprintf("failed to parse flash loan ABI: %v", err))
	}
	if erc20Contract, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		panic(fmt.Sprintf("failed to parse ERC-20 ABI: %v", err))
	}
}
