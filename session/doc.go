/*
包 session 管理进行中生成的取消与重连簿记。

# 概述

每个 subtask 同一时刻至多一个进行中的生成，这一不变式由 Manager 的
Register 强制（而不是交给调用方自觉）。取消是协作式的：Handle 包装
可取消的 context，生成循环在每个块边界与每次上游/工具调用前观察它。

重连是旁路能力：Snapshot 返回当前 offset 与已累积文本的只读快照，
读取走 atomic 指针，从不阻塞或干扰生成循环。配置了 Store 时快照
同时镜像到共享存储（Redis），供其他进程服务重连请求。

# 核心类型

  - [Manager]：生成注册表，Register / Cancel / Unregister 三个原子操作
  - [Handle]：单个生成的取消句柄
  - [Snapshot]：重连用的只读状态快照
  - [RedisStore]：跨进程快照镜像
*/
package session
