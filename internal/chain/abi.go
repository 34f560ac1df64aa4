package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// votingABI is the subset of the voting contract the harness calls.
const votingABI = `[
  {"type":"function","name":"createElection","stateMutability":"nonpayable",
   "inputs":[
     {"name":"uuid","type":"string"},
     {"name":"title","type":"string"},
     {"name":"startTime","type":"uint256"},
     {"name":"endTime","type":"uint256"},
     {"name":"totalVoters","type":"uint256"},
     {"name":"merkleRoot","type":"bytes32"},
     {"name":"positions","type":"tuple[]","components":[
       {"name":"title","type":"string"},
       {"name":"candidates","type":"string[]"},
       {"name":"maxSelections","type":"uint256"}
     ]}
   ],
   "outputs":[{"name":"electionId","type":"uint256"}]},
  {"type":"function","name":"vote","stateMutability":"nonpayable",
   "inputs":[
     {"name":"electionId","type":"uint256"},
     {"name":"voterKey","type":"bytes32"},
     {"name":"proof","type":"bytes32[]"},
     {"name":"votes","type":"uint256[][]"},
     {"name":"delegate","type":"address"}
   ],
   "outputs":[]},
  {"type":"function","name":"getElectionResults","stateMutability":"view",
   "inputs":[
     {"name":"electionId","type":"uint256"},
     {"name":"positionIndex","type":"uint256"}
   ],
   "outputs":[
     {"name":"candidates","type":"string[]"},
     {"name":"votes","type":"uint256[]"}
   ]},
  {"type":"event","name":"ElectionCreated","anonymous":false,
   "inputs":[
     {"name":"electionId","type":"uint256","indexed":true},
     {"name":"creator","type":"address","indexed":true},
     {"name":"uuid","type":"string","indexed":false}
   ]},
  {"type":"error","name":"AlreadyVoted","inputs":[]},
  {"type":"error","name":"NotEligible","inputs":[]},
  {"type":"error","name":"InvalidProof","inputs":[]},
  {"type":"error","name":"ElectionNotStarted","inputs":[]},
  {"type":"error","name":"ElectionEnded","inputs":[]},
  {"type":"error","name":"ElectionNotActive","inputs":[]}
]`

var contractABI = mustParseABI(votingABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid contract ABI: " + err.Error())
	}
	return parsed
}

// abiPosition mirrors the positions tuple. Field names match the ABI components.
type abiPosition struct {
	Title         string
	Candidates    []string
	MaxSelections *big.Int
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI {
	return contractABI
}
