/*
包 database 提供基于 GORM 的数据库连接管理。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Close()。
  - PoolConfig：最大空闲连接数、最大打开连接数与连接最大生命周期。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - Open 按驱动名（sqlite / postgres / mysql）选择 dialector 并应用连接池配置。
  - WithTransaction 单次事务；WithTransactionRetry 对死锁、序列化失败、
    连接中断与 SQLite 的 database is locked 做指数退避重试。
*/
package database
