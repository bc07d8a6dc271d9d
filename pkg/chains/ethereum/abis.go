package ethereum

const poolEventsABI = `[
  {"anonymous":false,"name":"Sync","type":"event","inputs":[
    {"indexed":false,"name":"reserve0","type":"uint112"},
    {"indexed":false,"name":"reserve1","type":"uint112"}]},
  {"anonymous":false,"name":"PairCreated","type":"event","inputs":[
    {"indexed":true,"name":"token0","type":"address"},
    {"indexed":true,"name":"token1","type":"address"},
    {"indexed":false,"name":"pair","type":"address"},
    {"indexed":false,"name":"","type":"uint256"}]},
  {"anonymous":false,"name":"Swap","type":"event","inputs":[
    {"indexed":true,"name":"sender","type":"address"},
    {"indexed":true,"name":"recipient","type":"address"},
    {"indexed":false,"name":"amount0","type":"int256"},
    {"indexed":false,"name":"amount1","type":"int256"},
    {"indexed":false,"name":"sqrtPriceX96","type":"uint160"},
    {"indexed":false,"name":"liquidity","type":"uint128"},
    {"indexed":false,"name":"tick","type":"int24"}]},
  {"anonymous":false,"name":"Mint","type":"event","inputs":[
    {"indexed":false,"name":"sender","type":"address"},
    {"indexed":true,"name":"owner","type":"address"},
    {"indexed":true,"name":"tickLower","type":"int24"},
    {"indexed":true,"name":"tickUpper","type":"int24"},
    {"indexed":false,"name":"amount","type":"uint128"},
    {"indexed":false,"name":"amount0","type":"uint256"},
    {"indexed":false,"name":"amount1","type":"uint256"}]},
  {"anonymous":false,"name":"Burn","type":"event","inputs":[
    {"indexed":true,"name":"owner","type":"address"},
    {"indexed":true,"name":"tickLower","type":"int24"},
    {"indexed":true,"name":"tickUpper","type":"int24"},
    {"indexed":false,"name":"amount","type":"uint128"},
    {"indexed":false,"name":"amount0","type":"uint256"},
    {"indexed":false,"name":"amount1","type":"uint256"}]},
  {"anonymous":false,"name":"TokenExchange","type":"event","inputs":[
    {"indexed":true,"name":"buyer","type":"address"},
    {"indexed":false,"name":"sold_id","type":"int128"},
    {"indexed":false,"name":"tokens_sold","type":"uint256"},
    {"indexed":false,"name":"bought_id","type":"int128"},
    {"indexed":false,"name":"tokens_bought","type":"uint256"}]}
]`

const routerABI = `[
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"amountIn","type":"uint256"},
    {"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"to","type":"address"},
    {"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokensSupportingFeeOnTransferTokens","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"amountIn","type":"uint256"},
    {"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"to","type":"address"},
    {"name":"deadline","type":"uint256"}],"outputs":[]},
  {"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"amountIn","type":"uint256"},
    {"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"to","type":"address"},
    {"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[
    {"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"to","type":"address"},
    {"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const erc20ABI = `[
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const pairABI = `[
  {"name":"factory","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"reserve0","type":"uint112"},
    {"name":"reserve1","type":"uint112"},
    {"name":"blockTimestampLast","type":"uint32"}]}
]`

const clPoolABI = `[
  {"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
  {"name":"tickSpacing","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int24"}]},
  {"name":"liquidity","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint128"}]},
  {"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"sqrtPriceX96","type":"uint160"},
    {"name":"tick","type":"int24"},
    {"name":"observationIndex","type":"uint16"},
    {"name":"observationCardinality","type":"uint16"},
    {"name":"observationCardinalityNext","type":"uint16"},
    {"name":"feeProtocol","type":"uint8"},
    {"name":"unlocked","type":"bool"}]},
  {"name":"tickBitmap","type":"function","stateMutability":"view","inputs":[{"name":"wordPosition","type":"int16"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"ticks","type":"function","stateMutability":"view","inputs":[{"name":"tick","type":"int24"}],"outputs":[
    {"name":"liquidityGross","type":"uint128"},
    {"name":"liquidityNet","type":"int128"},
    {"name":"feeGrowthOutside0X128","type":"uint256"},
    {"name":"feeGrowthOutside1X128","type":"uint256"},
    {"name":"tickCumulativeOutside","type":"int56"},
    {"name":"secondsPerLiquidityOutsideX128","type":"uint160"},
    {"name":"secondsOutside","type":"uint32"},
    {"name":"initialized","type":"bool"}]}
]`

const stablePoolABI = `[
  {"name":"coins","type":"function","stateMutability":"view","inputs":[{"name":"i","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"name":"balances","type":"function","stateMutability":"view","inputs":[{"name":"i","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"A","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`
