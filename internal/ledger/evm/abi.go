package evm

// registryABI is the subset of the PropertyRegistry contract used by the service.
// The service key acts as relayer: every state-changing method takes the party it acts for.
const registryABI = `[
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"isApprovedForAll","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"marketplace","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"address"}]},

  {"type":"function","name":"setApprovalForAllFor","stateMutability":"nonpayable",
   "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"listProperty","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"seller","type":"address"},{"name":"price","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"buyProperty","stateMutability":"payable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"buyer","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"cancelListing","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"seller","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"createEscrow","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"price","type":"uint256"},{"name":"fee","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"depositFunds","stateMutability":"payable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"buyer","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"completeEscrow","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"caller","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"cancelEscrow","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"caller","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"refundBuyer","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"seller","type":"address"}],
   "outputs":[]},

  {"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"operator","type":"address","indexed":true},
    {"name":"approved","type":"bool","indexed":false}]},
  {"type":"event","name":"PropertyListed","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"PropertySold","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"ListingCancelled","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowFunded","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowCompleted","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowCancelled","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]}
]`
