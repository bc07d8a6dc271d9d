package multicall

const (
	multicallerABI = `[
{"type":"function","name":"multicall","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}],"outputs":[{"name":"results","type":"bytes[]"}]},
{"type":"function","name":"assertMinBalance","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"minBalance","type":"uint256"}],"outputs":[]}
]`

	erc20ABI = `[
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

	uniswapV2PairABI = `[
{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"amount0Out","type":"uint256"},{"name":"amount1Out","type":"uint256"},{"name":"to","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]}
]`

	uniswapV3PoolABI = `[
{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"zeroForOne","type":"bool"},{"name":"amountSpecified","type":"int256"},{"name":"sqrtPriceLimitX96","type":"uint160"},{"name":"data","type":"bytes"}],"outputs":[{"name":"amount0","type":"int256"},{"name":"amount1","type":"int256"}]}
]`

	stableSwapABI = `[
{"type":"function","name":"exchange","stateMutability":"nonpayable","inputs":[{"name":"i","type":"int128"},{"name":"j","type":"int128"},{"name":"dx","type":"uint256"},{"name":"min_dy","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`
)
