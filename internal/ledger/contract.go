package ledger

// RelayABI is the subset of the on-chain relay contract the service calls.
// executeTransfer checks the holder's typed-data signature and nonce, then
// moves amount-fee to the recipient and fee to the collector, or reverts.
const RelayABI = `[
  {
    "type": "function",
    "name": "executeTransfer",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "token", "type": "address"},
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "maxFee", "type": "uint256"},
      {"name": "nonce", "type": "uint256"},
      {"name": "deadline", "type": "uint256"},
      {"name": "signature", "type": "bytes"}
    ],
    "outputs": [{"name": "fee", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "nonces",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "event",
    "name": "TransferExecuted",
    "anonymous": false,
    "inputs": [
      {"name": "token", "type": "address", "indexed": true},
      {"name": "from", "type": "address", "indexed": true},
      {"name": "to", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "fee", "type": "uint256", "indexed": false},
      {"name": "nonce", "type": "uint256", "indexed": false}
    ]
  }
]`
